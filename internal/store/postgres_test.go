package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetScan_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`get_scan`).
		WithArgs("nonexistent-scan").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetScan(context.Background(), "nonexistent-scan")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScan(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	handles := []byte(`{"evidence_search":{"queue":"evidence-search","job_id":"j1"}}`)

	mock.ExpectQuery(`get_scan`).
		WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "company_name", "website_url", "priority", "metadata", "handles", "status", "retry_count", "created_at", "updated_at",
		}).AddRow("scan-1", "Acme Corp", "https://acme.example", "high", []byte(`{"deal":"alpha"}`), handles, "processing", 1, now, now))

	got, err := s.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.CompanyName)
	assert.Equal(t, model.ScanStatusProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Handles.EvidenceSearch)
	assert.Equal(t, "j1", got.Handles.EvidenceSearch.JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateScanStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`update_status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateScanStatus(context.Background(), "missing", model.ScanStatusFailed)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementScanRetry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`increment_retry`).
		WithArgs(pgxmock.AnyArg(), "scan-1").
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(3))

	count, err := s.IncrementScanRetry(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeScanHandles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stored := []byte(`{"evidence_search":{"queue":"evidence-search","job_id":"old"},"report":{"queue":"report-generation","job_id":"r1"}}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT handles FROM scan_requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows([]string{"handles"}).AddRow(stored))
	mock.ExpectExec(`UPDATE scan_requests SET handles = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "scan-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	merged, err := s.MergeScanHandles(context.Background(), "scan-1", model.StageHandles{
		EvidenceSearch: &model.JobRef{Queue: "evidence-search", JobID: "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", merged.EvidenceSearch.JobID)
	require.NotNil(t, merged.Report)
	assert.Equal(t, "r1", merged.Report.JobID, "handles not re-enqueued must survive the merge")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountEvidence(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`count_evidence`).
		WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.CountEvidence(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	report := model.ReportRecord{
		ID:            "rep-1",
		ScanRequestID: "scan-1",
		Summary:       "ok",
		Score:         8.2,
		SourceStatus: map[model.Stage]model.StageResultStatus{
			model.StageEvidenceSearch: model.StageSuccess,
		},
	}
	doc, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery(`get_report_doc`).
		WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := s.GetReport(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 8.2, got.Score)
	assert.Equal(t, model.StageSuccess, got.SourceStatus[model.StageEvidenceSearch])
	assert.NoError(t, mock.ExpectationsWereMet())
}
