// Package worker consumes stage jobs from the queue fabric. Each stage
// queue gets its own consumer loop; a shared rate limiter keeps the
// analysis service from being hammered by many concurrent workers.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/diligence/internal/config"
	"github.com/sells-group/diligence/internal/queue"
)

// Handler processes jobs claimed from one queue.
type Handler interface {
	// Queue names the queue this handler consumes.
	Queue() string
	// Handle processes one claimed job. A returned error fails the job,
	// which the fabric re-queues with backoff until attempts run out.
	Handle(ctx context.Context, job *queue.Job) error
}

// Pool runs consumer loops for a set of handlers.
type Pool struct {
	fabric       *queue.Fabric
	handlers     []Handler
	concurrency  int
	pollInterval time.Duration
	limiter      *rate.Limiter
}

// NewPool creates a worker pool. Concurrency applies per handler.
func NewPool(fabric *queue.Fabric, cfg config.WorkerConfig, handlers ...Handler) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}

	return &Pool{
		fabric:       fabric,
		handlers:     handlers,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// Run consumes jobs until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, h := range p.handlers {
		for i := 0; i < p.concurrency; i++ {
			handler := h
			g.Go(func() error {
				p.consume(ctx, handler)
				return nil
			})
		}
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, handler Handler) {
	queueName := handler.Queue()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.fabric.Dequeue(ctx, queueName)
		if err != nil {
			zap.L().Error("worker: dequeue failed", zap.String("queue", queueName), zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down with a claimed job: put it back via Fail so a
			// later attempt picks it up.
			_ = p.fabric.Fail(context.Background(), job.Queue, job.ID, "worker shutdown")
			return
		}

		p.process(ctx, handler, job)
	}
}

func (p *Pool) process(ctx context.Context, handler Handler, job *queue.Job) {
	start := time.Now()
	logger := zap.L().With(
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)

	if err := handler.Handle(ctx, job); err != nil {
		logger.Warn("worker: job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if failErr := p.fabric.Fail(ctx, job.Queue, job.ID, err.Error()); failErr != nil {
			logger.Error("worker: recording failure", zap.Error(failErr))
		}
		return
	}

	if err := p.fabric.Complete(ctx, job.Queue, job.ID); err != nil {
		logger.Error("worker: recording completion", zap.Error(err))
		return
	}
	logger.Info("worker: job completed", zap.Duration("elapsed", time.Since(start)))
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
