package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker used for tests and single-node
// runs. Ordering, backoff, and retention semantics match the postgres
// broker.
type MemoryBroker struct {
	mu       sync.Mutex
	defaults Settings
	perQueue map[string]Settings
	queues   map[string]*memQueue
	seq      int64
}

type memJob struct {
	Job
	seq       int64
	claimedAt time.Time
}

type memQueue struct {
	waiting []*memJob // kept sorted by (priority, seq)
	active  map[string]*memJob
	done    []*memJob // completed and failed, trimmed by retention
}

// NewMemory creates a memory broker with the given default queue policy
// and optional per-queue overrides.
func NewMemory(defaults Settings, perQueue map[string]Settings) *MemoryBroker {
	defaults = normalizeSettings(defaults)
	return &MemoryBroker{
		defaults: defaults,
		perQueue: perQueue,
		queues:   make(map[string]*memQueue),
	}
}

func (b *MemoryBroker) Connect(ctx context.Context) error { return nil }

func (b *MemoryBroker) Close() error { return nil }

func (b *MemoryBroker) settings(queue string) Settings {
	if s, ok := b.perQueue[queue]; ok {
		return s
	}
	return b.defaults
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{active: make(map[string]*memJob)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	j := &memJob{Job: job, seq: b.seq}
	j.State = StateWaiting

	q := b.queue(job.Queue)
	q.waiting = append(q.waiting, j)
	sortWaiting(q.waiting)
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := time.Now().UTC()
	b.reclaimStale(queue, q, now)

	for i, j := range q.waiting {
		if j.NextRunAt.After(now) {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		j.State = StateActive
		j.Attempts++
		j.claimedAt = now
		q.active[j.ID] = j
		out := j.Job
		return &out, nil
	}
	return nil, nil
}

// reclaimStale returns active jobs whose claim outlived the lease to the
// waiting state, so a crashed worker cannot strand them. Caller holds
// the lock.
func (b *MemoryBroker) reclaimStale(queue string, q *memQueue, now time.Time) {
	lease := b.settings(queue).ActiveLease
	if lease <= 0 {
		return
	}
	requeued := false
	for id, j := range q.active {
		if now.Sub(j.claimedAt) < lease {
			continue
		}
		delete(q.active, id)
		j.State = StateWaiting
		j.NextRunAt = now
		q.waiting = append(q.waiting, j)
		requeued = true
	}
	if requeued {
		sortWaiting(q.waiting)
	}
}

func (b *MemoryBroker) Complete(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	j, ok := q.active[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, id)
	j.State = StateCompleted
	j.Progress = 100
	j.FinishedAt = time.Now().UTC()
	q.done = append(q.done, j)
	b.trim(queue, q)
	return nil
}

func (b *MemoryBroker) Fail(ctx context.Context, queue, id, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	j, ok := q.active[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, id)
	j.LastError = errMsg

	if j.Attempts < j.MaxAttempts {
		j.State = StateWaiting
		j.NextRunAt = time.Now().UTC().Add(backoffDelay(b.settings(queue).BackoffBase, j.Attempts))
		q.waiting = append(q.waiting, j)
		sortWaiting(q.waiting)
		return nil
	}

	j.State = StateFailed
	j.FinishedAt = time.Now().UTC()
	q.done = append(q.done, j)
	b.trim(queue, q)
	return nil
}

func (b *MemoryBroker) SetProgress(ctx context.Context, queue, id string, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.queue(queue).active[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Progress = progress
	return nil
}

func (b *MemoryBroker) Status(ctx context.Context, queue, id string) (JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	if j, ok := q.active[id]; ok {
		return JobStatus{State: j.State, Progress: j.Progress, Attempts: j.Attempts}, nil
	}
	for _, j := range q.waiting {
		if j.ID == id {
			return JobStatus{State: j.State, Progress: j.Progress, Attempts: j.Attempts}, nil
		}
	}
	for _, j := range q.done {
		if j.ID == id {
			return JobStatus{State: j.State, Progress: j.Progress, Attempts: j.Attempts}, nil
		}
	}
	return JobStatus{}, ErrJobNotFound
}

func (b *MemoryBroker) Counts(ctx context.Context) (map[string]Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Counts, len(b.queues))
	for name, q := range b.queues {
		c := Counts{Waiting: len(q.waiting), Active: len(q.active)}
		for _, j := range q.done {
			if j.State == StateCompleted {
				c.Completed++
			} else {
				c.Failed++
			}
		}
		out[name] = c
	}
	return out, nil
}

func (b *MemoryBroker) Drain(ctx context.Context, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, q := range b.queues {
		kept := q.done[:0]
		for _, j := range q.done {
			if j.FinishedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		q.done = kept
	}
	return removed, nil
}

// trim enforces retention on finished jobs: completed jobs by count cap
// and age cap (whichever is hit first), failed jobs by their longer age
// cap. Caller holds the lock.
func (b *MemoryBroker) trim(queue string, q *memQueue) {
	s := b.settings(queue)
	now := time.Now().UTC()

	completed := 0
	for _, j := range q.done {
		if j.State == StateCompleted {
			completed++
		}
	}

	kept := q.done[:0]
	for _, j := range q.done {
		switch j.State {
		case StateCompleted:
			tooOld := s.CompletedRetentionAge > 0 && now.Sub(j.FinishedAt) > s.CompletedRetentionAge
			overCount := s.CompletedRetentionCount > 0 && completed > s.CompletedRetentionCount
			if tooOld || overCount {
				completed--
				continue
			}
		case StateFailed:
			if s.FailedRetentionAge > 0 && now.Sub(j.FinishedAt) > s.FailedRetentionAge {
				continue
			}
		}
		kept = append(kept, j)
	}
	q.done = kept
}

func sortWaiting(jobs []*memJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority < jobs[k].Priority
		}
		return jobs[i].seq < jobs[k].seq
	})
}
