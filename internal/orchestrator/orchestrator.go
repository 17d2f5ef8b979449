// Package orchestrator decomposes a scan request into per-stage queue
// jobs and records the returned handles. It never waits for a stage to
// finish; callers observe progress through the status aggregator.
package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/store"
)

// RetryScope selects which stages a retry re-enqueues.
type RetryScope string

const (
	// ScopeEvidence re-runs the evidence collection stages only.
	ScopeEvidence RetryScope = "evidence"
	// ScopeBoth re-runs evidence collection and report generation.
	ScopeBoth RetryScope = "both"
)

// ParseRetryScope validates a caller-supplied scope value.
func ParseRetryScope(s string) (RetryScope, error) {
	switch RetryScope(s) {
	case ScopeEvidence:
		return ScopeEvidence, nil
	case ScopeBoth:
		return ScopeBoth, nil
	}
	return "", eris.Wrapf(model.ErrInvalidInput, "orchestrator: unknown retry scope %q", s)
}

// StageJobPayload is the body enqueued for every stage job.
type StageJobPayload struct {
	ScanRequestID string      `json:"scan_request_id"`
	Stage         model.Stage `json:"stage"`
	CompanyName   string      `json:"company_name"`
	WebsiteURL    string      `json:"website_url"`
	RetryCount    int         `json:"retry_count"`
}

// Orchestrator enqueues stage jobs and persists their handles.
type Orchestrator struct {
	store  store.Store
	fabric *queue.Fabric
}

// New creates an orchestrator over the given store and queue fabric.
func New(st store.Store, fabric *queue.Fabric) *Orchestrator {
	return &Orchestrator{store: st, fabric: fabric}
}

// Submit enqueues one job per stage for a scan request and merges the
// returned handles into the stored set. The report stage is enqueued
// immediately alongside the evidence stages; its worker polls for
// evidence sufficiency itself. Fails only if the scan does not exist or
// the store is unreachable; a degraded fabric yields sentinel handles,
// never an error.
func (o *Orchestrator) Submit(ctx context.Context, scanRequestID string) (model.StageHandles, error) {
	scan, err := o.store.GetScan(ctx, scanRequestID)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "orchestrator: load scan")
	}
	return o.enqueueStages(ctx, scan, model.AllStages())
}

// Retry re-enqueues the stages selected by scope, bumps the retry
// counter, and moves the scan back to processing. Safe to call
// repeatedly: each call replaces the stored handles for the stages it
// re-enqueued and leaves the rest intact.
func (o *Orchestrator) Retry(ctx context.Context, scanRequestID string, scope RetryScope) (model.StageHandles, error) {
	scan, err := o.store.GetScan(ctx, scanRequestID)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "orchestrator: load scan")
	}

	var stages []model.Stage
	switch scope {
	case ScopeEvidence:
		stages = model.EvidenceStages()
	case ScopeBoth:
		stages = model.AllStages()
	default:
		return model.StageHandles{}, eris.Wrapf(model.ErrInvalidInput, "orchestrator: unknown retry scope %q", scope)
	}

	retryCount, err := o.store.IncrementScanRetry(ctx, scanRequestID)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "orchestrator: increment retry")
	}
	scan.RetryCount = retryCount

	zap.L().Info("orchestrator: retrying scan",
		zap.String("scan_request_id", scanRequestID),
		zap.String("scope", string(scope)),
		zap.Int("retry_count", retryCount))

	return o.enqueueStages(ctx, scan, stages)
}

func (o *Orchestrator) enqueueStages(ctx context.Context, scan *model.ScanRequest, stages []model.Stage) (model.StageHandles, error) {
	priority := queue.ParsePriority(scan.Priority)

	var handles model.StageHandles
	for _, stage := range stages {
		payload := StageJobPayload{
			ScanRequestID: scan.ID,
			Stage:         stage,
			CompanyName:   scan.CompanyName,
			WebsiteURL:    scan.WebsiteURL,
			RetryCount:    scan.RetryCount,
		}

		ref, err := o.fabric.Enqueue(ctx, string(stage), payload, queue.EnqueueOptions{Priority: priority})
		if err != nil {
			return model.StageHandles{}, eris.Wrapf(err, "orchestrator: enqueue %s", stage)
		}
		handles.Set(stage, &ref)
	}

	merged, err := o.store.MergeScanHandles(ctx, scan.ID, handles)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "orchestrator: persist handles")
	}

	if err := o.store.UpdateScanStatus(ctx, scan.ID, model.ScanStatusProcessing); err != nil {
		return model.StageHandles{}, eris.Wrap(err, "orchestrator: mark processing")
	}
	return merged, nil
}
