package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/diligence/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scan_requests (
	id           TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	website_url  TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT 'normal',
	metadata     TEXT,
	handles      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_results (
	scan_request_id TEXT NOT NULL REFERENCES scan_requests(id),
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         TEXT,
	error           TEXT,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	completed_at    DATETIME NOT NULL,
	PRIMARY KEY (scan_request_id, stage)
);

CREATE TABLE IF NOT EXISTS evidence_records (
	id              TEXT PRIMARY KEY,
	scan_request_id TEXT NOT NULL REFERENCES scan_requests(id),
	stage           TEXT NOT NULL,
	category        TEXT,
	title           TEXT NOT NULL,
	url             TEXT,
	snippet         TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS report_records (
	id              TEXT PRIMARY KEY,
	scan_request_id TEXT NOT NULL UNIQUE REFERENCES scan_requests(id),
	doc             TEXT NOT NULL,
	score           REAL NOT NULL DEFAULT 0,
	assembled_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scan_requests_status ON scan_requests(status);
CREATE INDEX IF NOT EXISTS idx_evidence_scan ON evidence_records(scan_request_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateScan(ctx context.Context, scan *model.ScanRequest) error {
	metadataJSON, err := json.Marshal(scan.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}
	handlesJSON, err := json.Marshal(scan.Handles)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal handles")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_requests (id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.CompanyName, scan.WebsiteURL, scan.Priority,
		string(metadataJSON), string(handlesJSON), string(scan.Status),
		scan.RetryCount, scan.CreatedAt, scan.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert scan")
}

func (s *SQLiteStore) GetScan(ctx context.Context, id string) (*model.ScanRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at
		FROM scan_requests WHERE id = ?`, id)
	return scanScanRequest(row)
}

func (s *SQLiteStore) ListScans(ctx context.Context, limit int) ([]model.ScanRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at
		FROM scan_requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scans")
	}
	defer rows.Close()

	var out []model.ScanRequest
	for rows.Next() {
		scan, err := scanScanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *scan)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate scans")
}

func (s *SQLiteStore) UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_requests SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrap(err, "sqlite: update scan status")
	}
	return requireRow(res)
}

func (s *SQLiteStore) MergeScanHandles(ctx context.Context, id string, handles model.StageHandles) (model.StageHandles, error) {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return model.StageHandles{}, err
	}

	merged := scan.Handles.Merge(handles)
	handlesJSON, err := json.Marshal(merged)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "sqlite: marshal handles")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scan_requests SET handles = ?, updated_at = ? WHERE id = ?`,
		string(handlesJSON), time.Now().UTC(), id)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "sqlite: update scan handles")
	}
	return merged, nil
}

func (s *SQLiteStore) IncrementScanRetry(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_requests SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: increment retry")
	}
	if err := requireRow(res); err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM scan_requests WHERE id = ?`, id).Scan(&count)
	return count, eris.Wrap(err, "sqlite: read retry count")
}

func (s *SQLiteStore) InsertEvidence(ctx context.Context, records []model.EvidenceRecord) error {
	for _, rec := range records {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO evidence_records (id, scan_request_id, stage, category, title, url, snippet, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ScanRequestID, string(rec.Stage), rec.Category, rec.Title, rec.URL, rec.Snippet, rec.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert evidence")
		}
	}
	return nil
}

func (s *SQLiteStore) CountEvidence(ctx context.Context, scanRequestID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM evidence_records WHERE scan_request_id = ?`, scanRequestID).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count evidence")
}

func (s *SQLiteStore) UpsertStageResult(ctx context.Context, result model.StageResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (scan_request_id, stage, status, payload, error, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_request_id, stage) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at`,
		result.ScanRequestID, string(result.Stage), string(result.Status),
		string(result.Payload), result.Error, result.DurationMS, result.CompletedAt)
	return eris.Wrap(err, "sqlite: upsert stage result")
}

func (s *SQLiteStore) GetStageResults(ctx context.Context, scanRequestID string) (map[model.Stage]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_request_id, stage, status, payload, error, duration_ms, completed_at
		FROM stage_results WHERE scan_request_id = ?`, scanRequestID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get stage results")
	}
	defer rows.Close()

	out := make(map[model.Stage]model.StageResult)
	for rows.Next() {
		var r model.StageResult
		var stage, status string
		var payload, errMsg sql.NullString
		if err := rows.Scan(&r.ScanRequestID, &stage, &status, &payload, &errMsg, &r.DurationMS, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage result")
		}
		r.Stage = model.Stage(stage)
		r.Status = model.StageResultStatus(status)
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		r.Error = errMsg.String
		out[r.Stage] = r
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate stage results")
}

func (s *SQLiteStore) UpsertReport(ctx context.Context, report *model.ReportRecord) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_records (id, scan_request_id, doc, score, assembled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scan_request_id) DO UPDATE SET
			doc = excluded.doc,
			score = excluded.score,
			assembled_at = excluded.assembled_at`,
		report.ID, report.ScanRequestID, string(doc), report.Score, report.AssembledAt)
	return eris.Wrap(err, "sqlite: upsert report")
}

func (s *SQLiteStore) GetReport(ctx context.Context, scanRequestID string) (*model.ReportRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM report_records WHERE scan_request_id = ?`, scanRequestID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get report")
	}

	var report model.ReportRecord
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &report, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRequest(row rowScanner) (*model.ScanRequest, error) {
	var scan model.ScanRequest
	var status string
	var metadataJSON, handlesJSON sql.NullString

	err := row.Scan(&scan.ID, &scan.CompanyName, &scan.WebsiteURL, &scan.Priority,
		&metadataJSON, &handlesJSON, &status, &scan.RetryCount, &scan.CreatedAt, &scan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan row")
	}

	scan.Status = model.ScanStatus(status)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &scan.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	if handlesJSON.Valid && handlesJSON.String != "" {
		if err := json.Unmarshal([]byte(handlesJSON.String), &scan.Handles); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal handles")
		}
	}
	return &scan, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
