// Package store persists scan requests, stage results, evidence, and
// assembled reports. Two implementations exist: SQLite for local,
// single-process use and Postgres for shared deployments.
package store

import (
	"context"

	"github.com/sells-group/diligence/internal/model"
)

// Store is the persistence boundary for the scan pipeline. All writes
// are single-row; no caller assumes multi-statement transactions.
type Store interface {
	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// CreateScan persists a new scan request.
	CreateScan(ctx context.Context, scan *model.ScanRequest) error

	// GetScan returns a scan request by id, or model.ErrNotFound.
	GetScan(ctx context.Context, id string) (*model.ScanRequest, error)

	// ListScans returns the most recently created scan requests.
	ListScans(ctx context.Context, limit int) ([]model.ScanRequest, error)

	// UpdateScanStatus sets the lifecycle status of a scan request.
	UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus) error

	// MergeScanHandles merges the given stage handles into the stored
	// set with a read-merge-write sequence, so concurrent submitters
	// never clobber each other's handles wholesale.
	MergeScanHandles(ctx context.Context, id string, handles model.StageHandles) (model.StageHandles, error)

	// IncrementScanRetry bumps the retry counter and returns the new value.
	IncrementScanRetry(ctx context.Context, id string) (int, error)

	// InsertEvidence appends evidence rows collected by a stage.
	InsertEvidence(ctx context.Context, records []model.EvidenceRecord) error

	// CountEvidence returns the number of evidence rows for a scan request.
	CountEvidence(ctx context.Context, scanRequestID string) (int, error)

	// UpsertStageResult records a stage outcome, replacing any earlier
	// result for the same (scan request, stage) pair.
	UpsertStageResult(ctx context.Context, result model.StageResult) error

	// GetStageResults returns the latest result per stage for a scan request.
	GetStageResults(ctx context.Context, scanRequestID string) (map[model.Stage]model.StageResult, error)

	// UpsertReport writes the assembled report keyed by scan request id.
	UpsertReport(ctx context.Context, report *model.ReportRecord) error

	// GetReport returns the assembled report, or model.ErrNotFound.
	GetReport(ctx context.Context, scanRequestID string) (*model.ReportRecord, error)

	Close() error
}
