package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailflow/internal/metrics"
	"mailflow/internal/models"
	"mailflow/internal/ratelimit"
)

// JobStore is the slice of the record store the dispatch path needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.EmailJob, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// Throttle is the per-sender rate limiter consulted before dispatch.
type Throttle interface {
	ReserveDelaySlot(ctx context.Context, sender string, minDelay time.Duration, now time.Time) (time.Duration, error)
	TryConsumeHourlySlot(ctx context.Context, sender string, limit int, now time.Time) (int64, error)
}

// Transport delivers one message. A returned error is terminal for the
// attempt.
type Transport interface {
	Send(job *models.EmailJob) error
}

// JobLease is the exclusive hold on a dequeued job. It must be released
// exactly once: Complete after a terminal outcome or drop, Redefer to
// hand the job back for a later eligible time.
type JobLease interface {
	JobID() string
	Complete(ctx context.Context) error
	Redefer(ctx context.Context, eligibleAt time.Time) error
}

// Processor runs the dispatch state machine for one leased job at a
// time. All collaborators enter by handle so tests can substitute
// fakes.
type Processor struct {
	store    JobStore
	throttle Throttle
	sender   Transport
	log      *zap.Logger

	// global paces dispatches across all senders. Nil disables it;
	// the per-sender throttles always apply.
	global *rate.Limiter

	// now is swapped out in tests.
	now func() time.Time
}

func NewProcessor(store JobStore, throttle Throttle, sender Transport, global *rate.Limiter, log *zap.Logger) *Processor {
	return &Processor{
		store:    store,
		throttle: throttle,
		sender:   sender,
		global:   global,
		log:      log,
		now:      time.Now,
	}
}

// Process drives one queue delivery to a re-defer, a drop, or a
// terminal outcome.
//
// Infrastructure errors (store or Redis unreachable) are returned
// without releasing the lease: the lease expires and the queue
// redelivers the job, which from the queue's point of view is just
// another re-defer. They are never recorded as a job-level failure.
func (p *Processor) Process(ctx context.Context, lease JobLease) error {
	job, err := p.store.GetJob(ctx, lease.JobID())
	if err != nil {
		return fmt.Errorf("load job %s: %w", lease.JobID(), err)
	}

	// An at-least-once queue can redeliver a finished job, and it can
	// hold ids whose record never existed. Both are dropped without
	// counting an attempt.
	if job == nil || job.Terminal() {
		metrics.JobsDropped.Inc()
		p.log.Debug("dropping queue delivery",
			zap.String("job_id", lease.JobID()),
			zap.Bool("missing", job == nil),
		)
		return lease.Complete(ctx)
	}

	now := p.now()

	// Delivered ahead of schedule; hand it back untouched. No throttle
	// state is consumed on this path.
	if now.Before(job.ScheduledAt) {
		metrics.Redefers.WithLabelValues("not_due").Inc()
		return lease.Redefer(ctx, job.ScheduledAt)
	}

	_, err = p.throttle.TryConsumeHourlySlot(ctx, job.SenderEmail, job.HourlyLimit, now)
	if errors.Is(err, ratelimit.ErrHourlyLimited) {
		nextHour := ratelimit.NextHourStart(now)
		metrics.Redefers.WithLabelValues("hourly").Inc()
		p.log.Info("hourly limit reached, re-deferring",
			zap.String("job_id", job.ID),
			zap.String("sender", job.SenderEmail),
			zap.Time("next_eligible", nextHour),
		)
		return lease.Redefer(ctx, nextHour)
	}
	if err != nil {
		return fmt.Errorf("hourly check for job %s: %w", job.ID, err)
	}

	wait, err := p.throttle.ReserveDelaySlot(ctx, job.SenderEmail, job.MinDelay(), now)
	if err != nil {
		return fmt.Errorf("delay check for job %s: %w", job.ID, err)
	}
	if wait > 0 {
		metrics.Redefers.WithLabelValues("delay").Inc()
		return lease.Redefer(ctx, now.Add(wait))
	}

	if p.global != nil {
		if err := p.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limiter: %w", err)
		}
	}

	if sendErr := p.sender.Send(job); sendErr != nil {
		p.log.Error("email send failed",
			zap.String("job_id", job.ID),
			zap.String("to", job.RecipientEmail),
			zap.Error(sendErr),
		)
		if err := p.store.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("record failure for job %s: %w", job.ID, err)
		}
		metrics.EmailFailures.Inc()
		return lease.Complete(ctx)
	}

	if err := p.store.MarkSent(ctx, job.ID, p.now()); err != nil {
		// The message left the building but the status write did not
		// land; redelivery may send a duplicate.
		return fmt.Errorf("record sent for job %s: %w", job.ID, err)
	}

	p.log.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("sender", job.SenderEmail),
		zap.String("to", job.RecipientEmail),
	)
	metrics.EmailsSent.Inc()
	return lease.Complete(ctx)
}
