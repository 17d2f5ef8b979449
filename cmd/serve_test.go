package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/status"
	"github.com/sells-group/diligence/internal/store"
)

func newTestEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "diligence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	fabric := queue.NewFabric(context.Background(), queue.NewMemory(queue.DefaultSettings(), nil), queue.DefaultSettings())
	return &pipelineEnv{
		store:      st,
		fabric:     fabric,
		orch:       orchestrator.New(st, fabric),
		aggregator: status.New(st, fabric),
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createTestScan(t *testing.T, handler http.Handler) createScanResponse {
	t.Helper()

	rec := doRequest(t, handler, http.MethodPost, "/scan", createScanRequest{
		CompanyName: "Acme Corp",
		WebsiteURL:  "https://acme.example",
		Priority:    "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	handler := newRouter(newTestEnv(t))

	rec := doRequest(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateScan(t *testing.T) {
	handler := newRouter(newTestEnv(t))

	resp := createTestScan(t, handler)
	assert.NotEmpty(t, resp.ScanRequestID)

	for _, stage := range model.AllStages() {
		ref := resp.Handles.Get(stage)
		require.NotNil(t, ref, "stage %s missing from response", stage)
		assert.Equal(t, string(stage), ref.Queue)
	}
}

func TestCreateScanValidatesInput(t *testing.T) {
	handler := newRouter(newTestEnv(t))

	rec := doRequest(t, handler, http.MethodPost, "/scan", createScanRequest{CompanyName: "Acme Corp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/scan", createScanRequest{WebsiteURL: "https://acme.example"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanStatus(t *testing.T) {
	handler := newRouter(newTestEnv(t))
	resp := createTestScan(t, handler)

	rec := doRequest(t, handler, http.MethodGet, "/scan/"+resp.ScanRequestID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view model.ProgressView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, resp.ScanRequestID, view.ScanRequestID)
	assert.Equal(t, model.ScanStatusProcessing, view.Status)
	assert.Len(t, view.Stages, len(model.AllStages()))
}

func TestScanStatusNotFound(t *testing.T) {
	handler := newRouter(newTestEnv(t))

	rec := doRequest(t, handler, http.MethodGet, "/scan/nonexistent/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanRetry(t *testing.T) {
	handler := newRouter(newTestEnv(t))
	resp := createTestScan(t, handler)

	rec := doRequest(t, handler, http.MethodPost, "/scan/"+resp.ScanRequestID+"/retry", retryRequest{Scope: "evidence"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var retried createScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.NotEqual(t, resp.Handles.EvidenceSearch.JobID, retried.Handles.EvidenceSearch.JobID)
	assert.Equal(t, resp.Handles.Report.JobID, retried.Handles.Report.JobID)
}

func TestScanRetryInvalidScope(t *testing.T) {
	handler := newRouter(newTestEnv(t))
	resp := createTestScan(t, handler)

	rec := doRequest(t, handler, http.MethodPost, "/scan/"+resp.ScanRequestID+"/retry", retryRequest{Scope: "everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanRetryNotFound(t *testing.T) {
	handler := newRouter(newTestEnv(t))

	rec := doRequest(t, handler, http.MethodPost, "/scan/nonexistent/retry", retryRequest{Scope: "both"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueMetrics(t *testing.T) {
	handler := newRouter(newTestEnv(t))
	createTestScan(t, handler)

	rec := doRequest(t, handler, http.MethodGet, "/admin/queue-metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[string]queue.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	for _, stage := range model.AllStages() {
		assert.Equal(t, 1, counts[string(stage)].Waiting, "stage %s", stage)
	}
}
