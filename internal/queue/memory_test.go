package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueJob(t *testing.T, b *MemoryBroker, queue, id string, prio Priority) {
	t.Helper()
	err := b.Enqueue(context.Background(), Job{
		ID:          id,
		Queue:       queue,
		Payload:     []byte(`{}`),
		Priority:    prio,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
		NextRunAt:   time.Now(),
	})
	require.NoError(t, err)
}

func TestMemoryBrokerPriorityOrdering(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "low-1", PriorityLow)
	enqueueJob(t, b, "scan", "normal-1", PriorityNormal)
	enqueueJob(t, b, "scan", "critical-1", PriorityCritical)
	enqueueJob(t, b, "scan", "high-1", PriorityHigh)
	enqueueJob(t, b, "scan", "critical-2", PriorityCritical)

	var got []string
	for {
		j, err := b.Dequeue(ctx, "scan")
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.ID)
	}

	// Lower priority value first, FIFO within a level.
	assert.Equal(t, []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1"}, got)
}

func TestMemoryBrokerDequeueMarksActive(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "j1", PriorityNormal)

	j, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, StateActive, j.State)
	assert.Equal(t, 1, j.Attempts)

	st, err := b.Status(ctx, "scan", "j1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, 1, st.Attempts)
}

func TestMemoryBrokerCompleteSetsTerminalState(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "j1", PriorityNormal)
	_, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, "scan", "j1"))

	st, err := b.Status(ctx, "scan", "j1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 100, st.Progress)
}

func TestMemoryBrokerFailRequeuesWithBackoff(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "j1", PriorityNormal)

	j, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NotNil(t, j)

	require.NoError(t, b.Fail(ctx, "scan", "j1", "boom"))

	st, err := b.Status(ctx, "scan", "j1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, st.State)

	// The backoff window has not elapsed, so the job must not be served.
	j, err = b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestMemoryBrokerFailExhaustsAttempts(t *testing.T) {
	b := NewMemory(Settings{
		MaxAttempts:             2,
		BackoffBase:             time.Millisecond,
		CompletedRetentionCount: 10,
		CompletedRetentionAge:   time.Hour,
		FailedRetentionAge:      time.Hour,
	}, nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "j1", PriorityNormal)

	for attempt := 1; attempt <= 2; attempt++ {
		var j *Job
		var err error
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			j, err = b.Dequeue(ctx, "scan")
			require.NoError(t, err)
			if j != nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		require.NotNil(t, j, "attempt %d never became runnable", attempt)
		assert.Equal(t, attempt, j.Attempts)
		require.NoError(t, b.Fail(ctx, "scan", "j1", "boom"))
	}

	st, err := b.Status(ctx, "scan", "j1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
}

func TestMemoryBrokerBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(2*time.Second, tt.attempt))
	}
}

func TestMemoryBrokerCompletedRetentionCount(t *testing.T) {
	b := NewMemory(Settings{
		MaxAttempts:             3,
		BackoffBase:             time.Second,
		CompletedRetentionCount: 2,
		CompletedRetentionAge:   time.Hour,
		FailedRetentionAge:      time.Hour,
	}, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		enqueueJob(t, b, "scan", id, PriorityNormal)
		_, err := b.Dequeue(ctx, "scan")
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, "scan", id))
	}

	counts, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["scan"].Completed)

	// The oldest completed job was trimmed first.
	_, err = b.Status(ctx, "scan", "a")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = b.Status(ctx, "scan", "c")
	assert.NoError(t, err)
}

func TestMemoryBrokerCounts(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "w1", PriorityNormal)
	enqueueJob(t, b, "scan", "a1", PriorityNormal)
	enqueueJob(t, b, "report", "r1", PriorityNormal)

	j, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NotNil(t, j)

	counts, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Active: 1}, counts["scan"])
	assert.Equal(t, Counts{Waiting: 1}, counts["report"])
}

func TestMemoryBrokerDrain(t *testing.T) {
	b := NewMemory(DefaultSettings(), nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "old", PriorityNormal)
	_, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, "scan", "old"))

	n, err := b.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Status(ctx, "scan", "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryBrokerReclaimsStaleActiveJobs(t *testing.T) {
	b := NewMemory(Settings{ActiveLease: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	enqueueJob(t, b, "scan", "j1", PriorityNormal)

	j, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NotNil(t, j)

	// The claim is fresh, so a second consumer sees nothing.
	j2, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	assert.Nil(t, j2)

	time.Sleep(30 * time.Millisecond)

	// Past the lease the claim is released and the job served again.
	reclaimed, err := b.Dequeue(ctx, "scan")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "j1", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)

	st, err := b.Status(ctx, "scan", "j1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
}
