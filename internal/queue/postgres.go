package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence/internal/db"
)

// PostgresBroker is the durable broker, backed by a single jobs table.
// Claims use FOR UPDATE SKIP LOCKED so concurrent worker processes never
// double-serve a job.
type PostgresBroker struct {
	connString string
	pool       db.Pool
	defaults   Settings
	perQueue   map[string]Settings
	closeFn    func()
}

// NewPostgres creates a postgres broker. The connection is not acquired
// until Connect, so fabric construction owns the retry/disable decision.
func NewPostgres(connString string, defaults Settings, perQueue map[string]Settings) *PostgresBroker {
	return &PostgresBroker{connString: connString, defaults: normalizeSettings(defaults), perQueue: perQueue}
}

// NewPostgresWithPool creates a broker over an existing pool (tests).
func NewPostgresWithPool(pool db.Pool, defaults Settings) *PostgresBroker {
	return &PostgresBroker{pool: pool, defaults: normalizeSettings(defaults)}
}

const brokerMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	priority     INT NOT NULL DEFAULT 2,
	state        TEXT NOT NULL DEFAULT 'waiting',
	attempts     INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	progress     INT NOT NULL DEFAULT 0,
	last_error   TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	next_run_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
	ON queue_jobs(queue, state, priority, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_finished
	ON queue_jobs(state, finished_at);
`

func (b *PostgresBroker) Connect(ctx context.Context) error {
	if b.pool != nil {
		return nil
	}

	pgxCfg, err := pgxpool.ParseConfig(b.connString)
	if err != nil {
		return eris.Wrap(err, "broker: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return eris.Wrap(err, "broker: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return eris.Wrap(err, "broker: ping")
	}
	if _, err := pool.Exec(ctx, brokerMigration); err != nil {
		pool.Close()
		return eris.Wrap(err, "broker: migrate")
	}

	b.pool = pool
	b.closeFn = pool.Close
	return nil
}

func (b *PostgresBroker) Close() error {
	if b.closeFn != nil {
		b.closeFn()
	}
	return nil
}

func (b *PostgresBroker) settings(queue string) Settings {
	if s, ok := b.perQueue[queue]; ok {
		return s
	}
	return b.defaults
}

func (b *PostgresBroker) Enqueue(ctx context.Context, job Job) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO queue_jobs (id, queue, payload, priority, state, attempts, max_attempts, enqueued_at, next_run_at)
		VALUES ($1, $2, $3, $4, 'waiting', 0, $5, $6, $7)`,
		job.ID, job.Queue, job.Payload, int(job.Priority), job.MaxAttempts, job.EnqueuedAt, job.NextRunAt,
	)
	return eris.Wrap(err, "broker: enqueue")
}

func (b *PostgresBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	b.reclaimStale(ctx, queue)

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "broker: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Claim one runnable job; SKIP LOCKED allows concurrent workers.
	row := tx.QueryRow(ctx, `
		SELECT id, queue, payload, priority, attempts, max_attempts
		FROM queue_jobs
		WHERE queue = $1 AND state = 'waiting' AND next_run_at <= now()
		ORDER BY priority, enqueued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		queue,
	)

	var j Job
	var prio int
	err = row.Scan(&j.ID, &j.Queue, &j.Payload, &prio, &j.Attempts, &j.MaxAttempts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "broker: claim row")
	}
	j.Priority = Priority(prio)

	_, err = tx.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'active', attempts = attempts + 1, claimed_at = now()
		WHERE id = $1`,
		j.ID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "broker: mark active")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "broker: commit claim")
	}

	j.State = StateActive
	j.Attempts++
	return &j, nil
}

func (b *PostgresBroker) Complete(ctx context.Context, queue, id string) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'completed', progress = 100, finished_at = now()
		WHERE id = $1 AND queue = $2`,
		id, queue,
	)
	if err != nil {
		return eris.Wrap(err, "broker: complete")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	b.applyRetention(ctx, queue)
	return nil
}

func (b *PostgresBroker) Fail(ctx context.Context, queue, id, errMsg string) error {
	s := b.settings(queue)

	// Re-queue with backoff while attempts remain.
	tag, err := b.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'waiting', last_error = $3,
		    next_run_at = now() + ($4 * interval '1 second')
		WHERE id = $1 AND queue = $2 AND attempts < max_attempts`,
		id, queue, errMsg, retrySeconds(s.BackoffBase),
	)
	if err != nil {
		return eris.Wrap(err, "broker: requeue")
	}
	if tag.RowsAffected() > 0 {
		// Scale the delay to the attempt count already recorded.
		_, err = b.pool.Exec(ctx, `
			UPDATE queue_jobs
			SET next_run_at = now() + ($2 * (1 << least(attempts - 1, 30)) * interval '1 second')
			WHERE id = $1`,
			id, retrySeconds(s.BackoffBase),
		)
		return eris.Wrap(err, "broker: backoff")
	}

	tag, err = b.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'failed', last_error = $3, finished_at = now()
		WHERE id = $1 AND queue = $2`,
		id, queue, errMsg,
	)
	if err != nil {
		return eris.Wrap(err, "broker: fail")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	b.applyRetention(ctx, queue)
	return nil
}

func (b *PostgresBroker) SetProgress(ctx context.Context, queue, id string, progress int) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE queue_jobs SET progress = $3 WHERE id = $1 AND queue = $2`,
		id, queue, progress,
	)
	if err != nil {
		return eris.Wrap(err, "broker: set progress")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (b *PostgresBroker) Status(ctx context.Context, queue, id string) (JobStatus, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT state, progress, attempts FROM queue_jobs WHERE id = $1 AND queue = $2`,
		id, queue,
	)

	var st JobStatus
	var state string
	err := row.Scan(&state, &st.Progress, &st.Attempts)
	if err == pgx.ErrNoRows {
		return JobStatus{}, ErrJobNotFound
	}
	if err != nil {
		return JobStatus{}, eris.Wrap(err, "broker: status")
	}
	st.State = JobState(state)
	return st, nil
}

func (b *PostgresBroker) Counts(ctx context.Context) (map[string]Counts, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT queue, state, count(*) FROM queue_jobs GROUP BY queue, state`)
	if err != nil {
		return nil, eris.Wrap(err, "broker: counts")
	}
	defer rows.Close()

	out := make(map[string]Counts)
	for rows.Next() {
		var queue, state string
		var n int
		if err := rows.Scan(&queue, &state, &n); err != nil {
			return nil, eris.Wrap(err, "broker: scan counts")
		}
		c := out[queue]
		switch JobState(state) {
		case StateWaiting:
			c.Waiting = n
		case StateActive:
			c.Active = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
		out[queue] = c
	}
	return out, eris.Wrap(rows.Err(), "broker: iterate counts")
}

func (b *PostgresBroker) Drain(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE state IN ('completed', 'failed') AND finished_at < now() - ($1 * interval '1 second')`,
		int(olderThan.Seconds()),
	)
	if err != nil {
		return 0, eris.Wrap(err, "broker: drain")
	}
	return int(tag.RowsAffected()), nil
}

// reclaimStale returns active jobs whose claim outlived the lease to the
// waiting state, so a crashed worker cannot strand them. Best-effort;
// a reclaim failure never blocks the claim that triggered it.
func (b *PostgresBroker) reclaimStale(ctx context.Context, queue string) {
	s := b.settings(queue)
	if s.ActiveLease <= 0 {
		return
	}
	_, _ = b.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET state = 'waiting', claimed_at = NULL
		WHERE queue = $1 AND state = 'active'
		  AND claimed_at < now() - ($2 * interval '1 second')`,
		queue, int(s.ActiveLease.Seconds()),
	)
}

// applyRetention trims finished jobs past the queue's caps. Best-effort;
// retention failures never fail the triggering state transition.
func (b *PostgresBroker) applyRetention(ctx context.Context, queue string) {
	s := b.settings(queue)

	if s.CompletedRetentionAge > 0 {
		_, _ = b.pool.Exec(ctx, `
			DELETE FROM queue_jobs
			WHERE queue = $1 AND state = 'completed'
			  AND finished_at < now() - ($2 * interval '1 second')`,
			queue, int(s.CompletedRetentionAge.Seconds()),
		)
	}
	if s.CompletedRetentionCount > 0 {
		_, _ = b.pool.Exec(ctx, `
			DELETE FROM queue_jobs
			WHERE id IN (
				SELECT id FROM queue_jobs
				WHERE queue = $1 AND state = 'completed'
				ORDER BY finished_at DESC
				OFFSET $2
			)`,
			queue, s.CompletedRetentionCount,
		)
	}
	if s.FailedRetentionAge > 0 {
		_, _ = b.pool.Exec(ctx, `
			DELETE FROM queue_jobs
			WHERE queue = $1 AND state = 'failed'
			  AND finished_at < now() - ($2 * interval '1 second')`,
			queue, int(s.FailedRetentionAge.Seconds()),
		)
	}
}

func retrySeconds(base time.Duration) int {
	secs := int(base.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
