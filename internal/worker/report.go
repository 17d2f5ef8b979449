package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/report"
	"github.com/sells-group/diligence/internal/store"
)

// ReportHandler runs the report-generation stage. The queue models no
// cross-job dependency, so the handler itself polls for evidence
// sufficiency before assembling; past the wait deadline it assembles
// from whatever results exist rather than failing the scan.
type ReportHandler struct {
	store        store.Store
	assembler    *report.Assembler
	minEvidence  int
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewReportHandler creates the report stage handler. minEvidence is the
// number of evidence stage results required before assembly starts.
func NewReportHandler(st store.Store, assembler *report.Assembler, minEvidence int, waitTimeout time.Duration) *ReportHandler {
	if minEvidence <= 0 {
		minEvidence = 1
	}
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Minute
	}
	return &ReportHandler{
		store:        st,
		assembler:    assembler,
		minEvidence:  minEvidence,
		waitTimeout:  waitTimeout,
		pollInterval: 2 * time.Second,
	}
}

func (h *ReportHandler) Queue() string {
	return string(model.StageReport)
}

func (h *ReportHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload orchestrator.StageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "worker: decode job payload")
	}
	scanID := payload.ScanRequestID

	results, err := h.waitForEvidence(ctx, scanID)
	if err != nil {
		return err
	}

	if _, err := h.assembler.Assemble(ctx, scanID, results); err != nil {
		return eris.Wrap(err, "worker: assemble report")
	}

	if err := h.store.UpdateScanStatus(ctx, scanID, model.ScanStatusCompleted); err != nil {
		return eris.Wrap(err, "worker: mark scan completed")
	}
	return nil
}

func (h *ReportHandler) waitForEvidence(ctx context.Context, scanID string) (map[model.Stage]model.StageResult, error) {
	deadline := time.Now().Add(h.waitTimeout)

	for {
		results, err := h.store.GetStageResults(ctx, scanID)
		if err != nil {
			return nil, eris.Wrap(err, "worker: read stage results")
		}
		if completedEvidence(results) >= h.minEvidence {
			return results, nil
		}
		if time.Now().After(deadline) {
			zap.L().Warn("worker: evidence wait deadline reached, assembling partial report",
				zap.String("scan_request_id", scanID),
				zap.Int("completed", completedEvidence(results)),
				zap.Int("min_evidence", h.minEvidence))
			return results, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "worker: evidence wait cancelled")
		case <-time.After(h.pollInterval):
		}
	}
}

// completedEvidence counts successful evidence stage results; failed
// results wait out the deadline like absent ones, since they carry no
// usable payload.
func completedEvidence(results map[model.Stage]model.StageResult) int {
	n := 0
	for stage, res := range results {
		if stage == model.StageReport || res.Status != model.StageSuccess {
			continue
		}
		n++
	}
	return n
}
