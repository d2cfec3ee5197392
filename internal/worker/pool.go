package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mailflow/internal/delayqueue"
	"mailflow/internal/metrics"
)

const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultReclaimInterval = 15 * time.Second
)

// Pool runs a fixed set of worker goroutines that pull ready jobs from
// the delay queue and feed them through the Processor, plus one reclaim
// goroutine that returns expired leases to the queue.
type Pool struct {
	queue     *delayqueue.Queue
	processor *Processor
	log       *zap.Logger

	workers         int
	pollInterval    time.Duration
	reclaimInterval time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how long an idle worker waits before polling
// the queue again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithReclaimInterval sets how often expired leases are swept back into
// the queue.
func WithReclaimInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reclaimInterval = d }
}

func NewPool(queue *delayqueue.Queue, processor *Processor, workers int, log *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:           queue,
		processor:       processor,
		log:             log,
		workers:         workers,
		pollInterval:    defaultPollInterval,
		reclaimInterval: defaultReclaimInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the worker goroutines and the lease reclaimer. They
// run until ctx is cancelled; the WaitGroup is done once all have
// drained.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()
			p.log.Info("worker started", zap.Int("worker_id", id))
			p.runWorker(ctx, id)
			p.log.Info("worker shutting down", zap.Int("worker_id", id))
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReclaimer(ctx)
	}()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	// Dequeue failures are infrastructure faults (Redis unreachable),
	// so back off instead of hammering the store.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pollInterval
	b.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := p.queue.Dequeue(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue failed",
				zap.Int("worker_id", id),
				zap.Error(err),
			)
			p.sleep(ctx, b.NextBackOff())
			continue
		}
		b.Reset()

		if lease == nil {
			p.sleep(ctx, p.pollInterval)
			continue
		}

		if err := p.processor.Process(ctx, lease); err != nil {
			// The lease is left to expire; the queue will redeliver.
			p.log.Error("job processing failed",
				zap.Int("worker_id", id),
				zap.String("job_id", lease.JobID()),
				zap.Error(err),
			)
		}
	}
}

func (p *Pool) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Error("lease reclaim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				metrics.LeasesReclaimed.Add(float64(n))
				p.log.Warn("reclaimed expired job leases", zap.Int64("count", n))
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
