package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence/internal/db"
	"github.com/sells-group/diligence/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_scan":      `INSERT INTO scan_requests (id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"get_scan":         `SELECT id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at FROM scan_requests WHERE id = $1`,
	"update_status":    `UPDATE scan_requests SET status = $1, updated_at = $2 WHERE id = $3`,
	"increment_retry":  `UPDATE scan_requests SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2 RETURNING retry_count`,
	"insert_evidence":  `INSERT INTO evidence_records (id, scan_request_id, stage, category, title, url, snippet, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"count_evidence":   `SELECT count(*) FROM evidence_records WHERE scan_request_id = $1`,
	"get_report_doc":   `SELECT doc FROM report_records WHERE scan_request_id = $1`,
	"get_stage_results": `SELECT scan_request_id, stage, status, payload, error, duration_ms, completed_at FROM stage_results WHERE scan_request_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scan_requests (
	id           TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	website_url  TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT 'normal',
	metadata     JSONB,
	handles      JSONB NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	retry_count  INT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_results (
	scan_request_id TEXT NOT NULL REFERENCES scan_requests(id),
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	error           TEXT,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	completed_at    TIMESTAMPTZ NOT NULL,
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
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS report_records (
	id              TEXT PRIMARY KEY,
	scan_request_id TEXT NOT NULL UNIQUE REFERENCES scan_requests(id),
	doc             JSONB NOT NULL,
	score           DOUBLE PRECISION NOT NULL DEFAULT 0,
	assembled_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scan_requests_status ON scan_requests(status);
CREATE INDEX IF NOT EXISTS idx_evidence_scan ON evidence_records(scan_request_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateScan(ctx context.Context, scan *model.ScanRequest) error {
	metadataJSON, err := json.Marshal(scan.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}
	handlesJSON, err := json.Marshal(scan.Handles)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal handles")
	}

	_, err = s.pool.Exec(ctx, "insert_scan",
		scan.ID, scan.CompanyName, scan.WebsiteURL, scan.Priority,
		metadataJSON, handlesJSON, string(scan.Status),
		scan.RetryCount, scan.CreatedAt, scan.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert scan")
}

func (s *PostgresStore) GetScan(ctx context.Context, id string) (*model.ScanRequest, error) {
	row := s.pool.QueryRow(ctx, "get_scan", id)
	return s.scanRow(row)
}

func (s *PostgresStore) ListScans(ctx context.Context, limit int) ([]model.ScanRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_name, website_url, priority, metadata, handles, status, retry_count, created_at, updated_at
		FROM scan_requests ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scans")
	}
	defer rows.Close()

	var out []model.ScanRequest
	for rows.Next() {
		scan, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *scan)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate scans")
}

func (s *PostgresStore) UpdateScanStatus(ctx context.Context, id string, status model.ScanStatus) error {
	tag, err := s.pool.Exec(ctx, "update_status", string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrap(err, "postgres: update scan status")
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MergeScanHandles performs the read-merge-write inside a transaction with
// a row lock, so two concurrent retries cannot drop each other's handles.
func (s *PostgresStore) MergeScanHandles(ctx context.Context, id string, handles model.StageHandles) (model.StageHandles, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "postgres: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var handlesJSON []byte
	err = tx.QueryRow(ctx, `SELECT handles FROM scan_requests WHERE id = $1 FOR UPDATE`, id).Scan(&handlesJSON)
	if err == pgx.ErrNoRows {
		return model.StageHandles{}, model.ErrNotFound
	}
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "postgres: read handles")
	}

	var current model.StageHandles
	if len(handlesJSON) > 0 {
		if err := json.Unmarshal(handlesJSON, &current); err != nil {
			return model.StageHandles{}, eris.Wrap(err, "postgres: unmarshal handles")
		}
	}

	merged := current.Merge(handles)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "postgres: marshal handles")
	}

	_, err = tx.Exec(ctx, `UPDATE scan_requests SET handles = $1, updated_at = $2 WHERE id = $3`,
		mergedJSON, time.Now().UTC(), id)
	if err != nil {
		return model.StageHandles{}, eris.Wrap(err, "postgres: write handles")
	}
	if err := tx.Commit(ctx); err != nil {
		return model.StageHandles{}, eris.Wrap(err, "postgres: commit handles")
	}
	return merged, nil
}

func (s *PostgresStore) IncrementScanRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "increment_retry", time.Now().UTC(), id).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: increment retry")
	}
	return count, nil
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, records []model.EvidenceRecord) error {
	for _, rec := range records {
		_, err := s.pool.Exec(ctx, "insert_evidence",
			rec.ID, rec.ScanRequestID, string(rec.Stage), rec.Category, rec.Title, rec.URL, rec.Snippet, rec.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: insert evidence")
		}
	}
	return nil
}

func (s *PostgresStore) CountEvidence(ctx context.Context, scanRequestID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "count_evidence", scanRequestID).Scan(&count)
	return count, eris.Wrap(err, "postgres: count evidence")
}

func (s *PostgresStore) UpsertStageResult(ctx context.Context, result model.StageResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_results (scan_request_id, stage, status, payload, error, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scan_request_id, stage) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at`,
		result.ScanRequestID, string(result.Stage), string(result.Status),
		[]byte(result.Payload), result.Error, result.DurationMS, result.CompletedAt)
	return eris.Wrap(err, "postgres: upsert stage result")
}

func (s *PostgresStore) GetStageResults(ctx context.Context, scanRequestID string) (map[model.Stage]model.StageResult, error) {
	rows, err := s.pool.Query(ctx, "get_stage_results", scanRequestID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get stage results")
	}
	defer rows.Close()

	out := make(map[model.Stage]model.StageResult)
	for rows.Next() {
		var r model.StageResult
		var stage, status string
		var payload []byte
		var errMsg *string
		if err := rows.Scan(&r.ScanRequestID, &stage, &status, &payload, &errMsg, &r.DurationMS, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		r.Stage = model.Stage(stage)
		r.Status = model.StageResultStatus(status)
		if len(payload) > 0 {
			r.Payload = json.RawMessage(payload)
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		out[r.Stage] = r
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate stage results")
}

func (s *PostgresStore) UpsertReport(ctx context.Context, report *model.ReportRecord) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO report_records (id, scan_request_id, doc, score, assembled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scan_request_id) DO UPDATE SET
			doc = excluded.doc,
			score = excluded.score,
			assembled_at = excluded.assembled_at`,
		report.ID, report.ScanRequestID, doc, report.Score, report.AssembledAt)
	return eris.Wrap(err, "postgres: upsert report")
}

func (s *PostgresStore) GetReport(ctx context.Context, scanRequestID string) (*model.ReportRecord, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, "get_report_doc", scanRequestID).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report")
	}

	var report model.ReportRecord
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &report, nil
}

func (s *PostgresStore) scanRow(row pgx.Row) (*model.ScanRequest, error) {
	var scan model.ScanRequest
	var status string
	var metadataJSON, handlesJSON []byte

	err := row.Scan(&scan.ID, &scan.CompanyName, &scan.WebsiteURL, &scan.Priority,
		&metadataJSON, &handlesJSON, &status, &scan.RetryCount, &scan.CreatedAt, &scan.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan row")
	}

	scan.Status = model.ScanStatus(status)
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &scan.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	if len(handlesJSON) > 0 {
		if err := json.Unmarshal(handlesJSON, &scan.Handles); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal handles")
		}
	}
	return &scan, nil
}
