// Package status composes scan progress snapshots for polling callers.
// The aggregator is stateless: every snapshot is derived from current
// job state, the evidence row count, and report presence, so it can
// never drift from the underlying records.
package status

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/store"
)

// Aggregator answers progress queries. Read-only; it never mutates a
// scan request.
type Aggregator struct {
	store  store.Store
	fabric *queue.Fabric
}

// New creates an aggregator over the given store and queue fabric.
func New(st store.Store, fabric *queue.Fabric) *Aggregator {
	return &Aggregator{store: st, fabric: fabric}
}

// Progress builds the current snapshot for a scan request. Job state is
// re-fetched per call, never cached. The evidence count and report
// presence are independent signals, so the view stays informative even
// when the job-state channel is degraded to unknown.
func (a *Aggregator) Progress(ctx context.Context, scanRequestID string) (*model.ProgressView, error) {
	scan, err := a.store.GetScan(ctx, scanRequestID)
	if err != nil {
		return nil, eris.Wrap(err, "status: load scan")
	}

	evidenceCount, err := a.store.CountEvidence(ctx, scanRequestID)
	if err != nil {
		return nil, eris.Wrap(err, "status: count evidence")
	}

	var reportSummary *model.ReportSummary
	report, err := a.store.GetReport(ctx, scanRequestID)
	switch {
	case err == nil:
		reportSummary = &model.ReportSummary{ID: report.ID, Score: report.Score}
	case eris.Is(err, model.ErrNotFound):
		// No report yet.
	default:
		return nil, eris.Wrap(err, "status: load report")
	}

	view := &model.ProgressView{
		ScanRequestID: scan.ID,
		Status:        scan.Status,
		RetryCount:    scan.RetryCount,
		EvidenceCount: evidenceCount,
		Report:        reportSummary,
	}

	total := 0
	for _, stage := range model.AllStages() {
		sp := a.stageProgress(ctx, scan, stage)

		// A persisted report proves the report stage ran even if its
		// job-state channel reports unknown.
		if stage == model.StageReport && reportSummary != nil {
			sp.Progress = 100
			if sp.State == string(queue.StateUnknown) {
				sp.State = string(queue.StateCompleted)
			}
		}

		view.Stages = append(view.Stages, sp)
		total += sp.Progress
	}
	view.OverallPercent = clamp(total / len(view.Stages))
	return view, nil
}

func (a *Aggregator) stageProgress(ctx context.Context, scan *model.ScanRequest, stage model.Stage) model.StageProgress {
	sp := model.StageProgress{Stage: stage, State: string(queue.StateUnknown)}

	ref := scan.Handles.Get(stage)
	if ref == nil {
		return sp
	}

	js, err := a.fabric.Status(ctx, *ref)
	if err != nil {
		// Treat a degraded status channel as unknown, not as failure.
		return sp
	}

	sp.State = string(js.State)
	sp.Attempts = js.Attempts

	switch js.State {
	case queue.StateCompleted:
		sp.Progress = 100
	case queue.StateActive:
		sp.Progress = clamp(js.Progress)
	default:
		sp.Progress = 0
	}
	return sp
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
