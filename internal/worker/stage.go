package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/coerce"
	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/report"
	"github.com/sells-group/diligence/internal/store"
	"github.com/sells-group/diligence/pkg/analysis"
)

// StageHandler runs one evidence collection stage: it calls the analysis
// service, coerces the raw output against the stage's schema, and
// records the stage result. Duplicate runs for the same scan request are
// de-duplicated by the stage-result upsert key.
type StageHandler struct {
	stage  model.Stage
	store  store.Store
	runner analysis.Runner
	fabric *queue.Fabric
}

// NewStageHandler creates a handler for one evidence stage.
func NewStageHandler(stage model.Stage, st store.Store, runner analysis.Runner, fabric *queue.Fabric) *StageHandler {
	return &StageHandler{stage: stage, store: st, runner: runner, fabric: fabric}
}

// NewEvidenceHandlers creates one handler per evidence stage.
func NewEvidenceHandlers(st store.Store, runner analysis.Runner, fabric *queue.Fabric) []Handler {
	handlers := make([]Handler, 0, len(model.EvidenceStages()))
	for _, stage := range model.EvidenceStages() {
		handlers = append(handlers, NewStageHandler(stage, st, runner, fabric))
	}
	return handlers
}

func (h *StageHandler) Queue() string {
	return string(h.stage)
}

func (h *StageHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload orchestrator.StageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "worker: decode job payload")
	}

	scan, err := h.store.GetScan(ctx, payload.ScanRequestID)
	if err != nil {
		return eris.Wrap(err, "worker: load scan")
	}

	start := time.Now()
	_ = h.fabric.SetProgress(ctx, job.Queue, job.ID, 10)

	raw, err := h.runner.Run(ctx, h.stage, *scan)
	if err != nil {
		h.recordFailure(ctx, scan.ID, err, start)
		return eris.Wrapf(err, "worker: run %s", h.stage)
	}
	_ = h.fabric.SetProgress(ctx, job.Queue, job.ID, 60)

	structured, err := coerce.Parse[json.RawMessage](report.SchemaFor(h.stage), raw)
	if err != nil {
		h.recordFailure(ctx, scan.ID, err, start)
		return eris.Wrapf(err, "worker: coerce %s output", h.stage)
	}

	result := model.StageResult{
		ScanRequestID: scan.ID,
		Stage:         h.stage,
		Status:        model.StageSuccess,
		Payload:       structured,
		DurationMS:    time.Since(start).Milliseconds(),
		CompletedAt:   time.Now().UTC(),
	}
	if err := h.store.UpsertStageResult(ctx, result); err != nil {
		return eris.Wrap(err, "worker: record stage result")
	}

	if h.stage == model.StageEvidenceSearch {
		if err := h.insertEvidence(ctx, scan.ID, structured); err != nil {
			return err
		}
	}

	_ = h.fabric.SetProgress(ctx, job.Queue, job.ID, 95)
	return nil
}

// recordFailure writes a failed stage result so assembly and status can
// see the outcome even before the job exhausts its attempts. A later
// successful attempt overwrites it.
func (h *StageHandler) recordFailure(ctx context.Context, scanID string, cause error, start time.Time) {
	result := model.StageResult{
		ScanRequestID: scanID,
		Stage:         h.stage,
		Status:        model.StageFailed,
		Error:         cause.Error(),
		DurationMS:    time.Since(start).Milliseconds(),
		CompletedAt:   time.Now().UTC(),
	}
	if err := h.store.UpsertStageResult(ctx, result); err != nil {
		zap.L().Error("worker: recording stage failure",
			zap.String("stage", string(h.stage)), zap.Error(err))
	}
}

func (h *StageHandler) insertEvidence(ctx context.Context, scanID string, payload json.RawMessage) error {
	var parsed report.EvidenceSearchPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return eris.Wrap(err, "worker: decode evidence payload")
	}

	now := time.Now().UTC()
	records := make([]model.EvidenceRecord, 0, len(parsed.Evidence))
	for _, item := range parsed.Evidence {
		records = append(records, model.EvidenceRecord{
			ID:            uuid.New().String(),
			ScanRequestID: scanID,
			Stage:         model.StageEvidenceSearch,
			Category:      item.Category,
			Title:         item.Title,
			URL:           item.URL,
			Snippet:       item.Snippet,
			CreatedAt:     now,
		})
	}
	if len(records) == 0 {
		return nil
	}
	return eris.Wrap(h.store.InsertEvidence(ctx, records), "worker: insert evidence")
}
