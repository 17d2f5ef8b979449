// Package queue implements the work-queue fabric: named queues with
// priority ordering, retention policy, backoff, and a degraded mode that
// keeps the process alive when the broker is unreachable.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/resilience"
)

// Priority orders jobs within a queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// ParsePriority maps a caller-supplied priority string to a Priority.
// Unknown or empty strings map to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// JobState is the queue fabric's view of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// JobStatus is the queryable state of a job. Callers must treat
// StateUnknown as "assume still pending", never as an error.
type JobStatus struct {
	State    JobState `json:"state"`
	Progress int      `json:"progress"`
	Attempts int      `json:"attempts"`
}

// Counts holds per-queue job totals for the admin metrics endpoint.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Mode is the fabric's operating mode. The fabric commits to disabled for
// its lifetime when the broker is unreachable at construction.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeDisabled Mode = "disabled"
)

// SentinelJobID is the job id returned by Enqueue while disabled.
const SentinelJobID = "disabled"

// Settings is the per-queue retention, attempt, and backoff policy.
type Settings struct {
	// MaxAttempts bounds retries per job; the backoff schedule has no
	// wall-clock ceiling beyond this count.
	MaxAttempts int

	// BackoffBase is the first retry delay; attempt n waits
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration

	// Completed jobs are trimmed when either cap is hit, whichever first.
	CompletedRetentionCount int
	CompletedRetentionAge   time.Duration

	// Failed jobs are kept longer than completed ones for post-mortems.
	FailedRetentionAge time.Duration

	// ActiveLease bounds how long a claimed job may sit active. A worker
	// crash leaves its claim behind; past the lease the job returns to
	// waiting and is served again.
	ActiveLease time.Duration
}

// DefaultSettings returns the queue policy used when no override exists.
func DefaultSettings() Settings {
	return Settings{
		MaxAttempts:             3,
		BackoffBase:             2 * time.Second,
		CompletedRetentionCount: 1000,
		CompletedRetentionAge:   24 * time.Hour,
		FailedRetentionAge:      7 * 24 * time.Hour,
		ActiveLease:             15 * time.Minute,
	}
}

// normalizeSettings fills zero fields from DefaultSettings, leaving the
// fields the caller set untouched.
func normalizeSettings(s Settings) Settings {
	d := DefaultSettings()
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = d.BackoffBase
	}
	if s.CompletedRetentionCount <= 0 {
		s.CompletedRetentionCount = d.CompletedRetentionCount
	}
	if s.CompletedRetentionAge <= 0 {
		s.CompletedRetentionAge = d.CompletedRetentionAge
	}
	if s.FailedRetentionAge <= 0 {
		s.FailedRetentionAge = d.FailedRetentionAge
	}
	if s.ActiveLease <= 0 {
		s.ActiveLease = d.ActiveLease
	}
	return s
}

// EnqueueOptions configures a single enqueue.
type EnqueueOptions struct {
	Priority    Priority
	MaxAttempts int // 0 = queue default
}

// Fabric is the set of named work queues over one shared broker
// connection, acquired once at construction and released on Shutdown.
type Fabric struct {
	mode     Mode
	broker   Broker
	defaults Settings
}

// NewFabric connects the broker and returns a fabric. Connection errors
// are retried 3 times with capped backoff; if the broker is still
// unreachable the fabric comes up disabled instead of failing the process,
// and never reconnects.
func NewFabric(ctx context.Context, broker Broker, defaults Settings) *Fabric {
	f := &Fabric{mode: ModeActive, broker: broker, defaults: normalizeSettings(defaults)}

	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("queue", "connect"),
	}, broker.Connect)
	if err != nil {
		zap.L().Warn("queue: broker unreachable, fabric disabled for lifetime", zap.Error(err))
		f.mode = ModeDisabled
	}
	return f
}

// Mode reports whether the fabric is active or disabled.
func (f *Fabric) Mode() Mode {
	return f.mode
}

// Enqueue adds a job to the named queue and returns its handle. While
// disabled it is a no-op returning the sentinel handle, never an error.
func (f *Fabric) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (model.JobRef, error) {
	if f.mode == ModeDisabled {
		return model.JobRef{Queue: queueName, JobID: SentinelJobID}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.JobRef{}, eris.Wrap(err, "queue: marshal payload")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = f.defaults.MaxAttempts
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Payload:     body,
		Priority:    opts.Priority,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		NextRunAt:   time.Now().UTC(),
	}

	if err := f.broker.Enqueue(ctx, job); err != nil {
		return model.JobRef{}, eris.Wrapf(err, "queue: enqueue %s", queueName)
	}
	return model.JobRef{Queue: queueName, JobID: job.ID}, nil
}

// Status returns the current state of a job. Disabled fabrics, sentinel
// handles, and unknown jobs all report StateUnknown with zero progress.
func (f *Fabric) Status(ctx context.Context, ref model.JobRef) (JobStatus, error) {
	if f.mode == ModeDisabled || ref.JobID == SentinelJobID || ref.JobID == "" {
		return JobStatus{State: StateUnknown}, nil
	}

	st, err := f.broker.Status(ctx, ref.Queue, ref.JobID)
	if eris.Is(err, ErrJobNotFound) {
		return JobStatus{State: StateUnknown}, nil
	}
	if err != nil {
		return JobStatus{State: StateUnknown}, eris.Wrapf(err, "queue: status %s/%s", ref.Queue, ref.JobID)
	}
	return st, nil
}

// Dequeue claims the next runnable job by priority then FIFO. Returns
// (nil, nil) when the queue is empty or the fabric is disabled.
func (f *Fabric) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if f.mode == ModeDisabled {
		return nil, nil
	}
	job, err := f.broker.Dequeue(ctx, queueName)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dequeue %s", queueName)
	}
	return job, nil
}

// Complete marks a claimed job completed.
func (f *Fabric) Complete(ctx context.Context, queueName, jobID string) error {
	if f.mode == ModeDisabled {
		return nil
	}
	return eris.Wrapf(f.broker.Complete(ctx, queueName, jobID), "queue: complete %s/%s", queueName, jobID)
}

// Fail records a failure. The broker re-queues with exponential backoff
// while attempts remain, otherwise marks the job failed.
func (f *Fabric) Fail(ctx context.Context, queueName, jobID, errMsg string) error {
	if f.mode == ModeDisabled {
		return nil
	}
	return eris.Wrapf(f.broker.Fail(ctx, queueName, jobID, errMsg), "queue: fail %s/%s", queueName, jobID)
}

// SetProgress records a 0-100 progress value on an active job.
func (f *Fabric) SetProgress(ctx context.Context, queueName, jobID string, progress int) error {
	if f.mode == ModeDisabled {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return eris.Wrapf(f.broker.SetProgress(ctx, queueName, jobID, progress), "queue: progress %s/%s", queueName, jobID)
}

// Counts returns per-queue job totals. Empty while disabled.
func (f *Fabric) Counts(ctx context.Context) (map[string]Counts, error) {
	if f.mode == ModeDisabled {
		return map[string]Counts{}, nil
	}
	counts, err := f.broker.Counts(ctx)
	return counts, eris.Wrap(err, "queue: counts")
}

// DrainOlderThan removes finished jobs older than the given age across all
// queues, regardless of retention caps. Returns the number removed.
func (f *Fabric) DrainOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if f.mode == ModeDisabled {
		return 0, nil
	}
	n, err := f.broker.Drain(ctx, age)
	return n, eris.Wrap(err, "queue: drain")
}

// Shutdown releases the broker connection.
func (f *Fabric) Shutdown(ctx context.Context) error {
	if f.mode == ModeDisabled {
		return nil
	}
	return eris.Wrap(f.broker.Close(), "queue: shutdown")
}
