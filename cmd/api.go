package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
)

func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"queue":  string(env.fabric.Mode()),
		})
	})

	r.Post("/scan", env.handleCreateScan)
	r.Get("/scan/{id}/status", env.handleScanStatus)
	r.Post("/scan/{id}/retry", env.handleScanRetry)
	r.Get("/admin/queue-metrics", env.handleQueueMetrics)

	return r
}

type createScanRequest struct {
	CompanyName string         `json:"company_name"`
	WebsiteURL  string         `json:"website_url"`
	Priority    string         `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type createScanResponse struct {
	ScanRequestID string             `json:"scan_request_id"`
	Handles       model.StageHandles `json:"handles"`
}

func (e *pipelineEnv) handleCreateScan(w http.ResponseWriter, req *http.Request) {
	var body createScanRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, eris.Wrap(model.ErrInvalidInput, "malformed request body"))
		return
	}
	if body.CompanyName == "" || body.WebsiteURL == "" {
		writeError(w, eris.Wrap(model.ErrInvalidInput, "company_name and website_url are required"))
		return
	}

	now := time.Now().UTC()
	scan := &model.ScanRequest{
		ID:          uuid.New().String(),
		CompanyName: body.CompanyName,
		WebsiteURL:  body.WebsiteURL,
		Priority:    body.Priority,
		Metadata:    body.Metadata,
		Status:      model.ScanStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateScan(req.Context(), scan); err != nil {
		writeError(w, err)
		return
	}

	handles, err := e.orch.Submit(req.Context(), scan.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createScanResponse{ScanRequestID: scan.ID, Handles: handles})
}

func (e *pipelineEnv) handleScanStatus(w http.ResponseWriter, req *http.Request) {
	view, err := e.aggregator.Progress(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type retryRequest struct {
	Scope string `json:"scope"`
}

func (e *pipelineEnv) handleScanRetry(w http.ResponseWriter, req *http.Request) {
	var body retryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, eris.Wrap(model.ErrInvalidInput, "malformed request body"))
		return
	}

	scope, err := orchestrator.ParseRetryScope(body.Scope)
	if err != nil {
		writeError(w, err)
		return
	}

	handles, err := e.orch.Retry(req.Context(), chi.URLParam(req, "id"), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createScanResponse{ScanRequestID: chi.URLParam(req, "id"), Handles: handles})
}

func (e *pipelineEnv) handleQueueMetrics(w http.ResponseWriter, req *http.Request) {
	counts, err := e.fabric.Counts(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case eris.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case eris.Is(err, model.ErrInvalidInput):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
