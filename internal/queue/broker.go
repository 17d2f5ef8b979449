package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrJobNotFound is returned by Broker.Status for unknown jobs. The fabric
// maps it to StateUnknown rather than surfacing it to callers.
var ErrJobNotFound = eris.New("queue: job not found")

// Job is a unit of work tracked by a broker.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Priority    Priority  `json:"priority"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Progress    int       `json:"progress"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	NextRunAt   time.Time `json:"next_run_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// backoffDelay returns the wait before attempt n (1-based):
// base * 2^(n-1). Bounded only by the job's attempt count.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Broker is the durable queue backend. Implementations own job state
// transitions, the backoff schedule on failure, and retention trimming of
// finished jobs.
type Broker interface {
	// Connect acquires the broker's shared connection. Called exactly once,
	// at fabric construction.
	Connect(ctx context.Context) error

	// Enqueue stores a waiting job.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue claims the next runnable job (strict priority, FIFO within a
	// level) and marks it active, incrementing its attempt count. Returns
	// (nil, nil) when nothing is runnable.
	Dequeue(ctx context.Context, queue string) (*Job, error)

	// Complete finishes a job successfully and applies completed-retention.
	Complete(ctx context.Context, queue, id string) error

	// Fail re-queues the job with backoff while attempts remain, otherwise
	// marks it failed and applies failed-retention.
	Fail(ctx context.Context, queue, id, errMsg string) error

	// SetProgress stores a 0-100 progress value.
	SetProgress(ctx context.Context, queue, id string, progress int) error

	// Status reports a job's current state, or ErrJobNotFound.
	Status(ctx context.Context, queue, id string) (JobStatus, error)

	// Counts returns totals per queue.
	Counts(ctx context.Context) (map[string]Counts, error)

	// Drain removes finished jobs older than the given age.
	Drain(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases the connection.
	Close() error
}
