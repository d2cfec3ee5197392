// Package delayqueue is a Redis-backed queue that holds email jobs until
// their eligible dispatch time. Ready jobs are handed to exactly one
// worker at a time under a lease; a job whose lease expires without
// being completed or re-deferred is reclaimed for redelivery, giving
// at-least-once semantics across worker crashes.
package delayqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseReleased is returned when Complete or Redefer is called on a
// lease that has already been released.
var ErrLeaseReleased = errors.New("delayqueue: lease already released")

const (
	delayedKey    = "emailq:delayed"
	processingKey = "emailq:processing"

	defaultLeaseTTL = time.Minute
)

// dequeueScript atomically moves the earliest ready member (score at or
// below now) from the delayed set to the processing set, scoring it with
// the lease deadline. Returning the member and removing it in one script
// is what guarantees a job is only ever held by one worker.
var dequeueScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ready == 0 then
  return false
end
local id = ready[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

// releaseScript removes a leased member from the processing set and, if
// it was still held (not reclaimed in the meantime), optionally re-adds
// it to the delayed set at a new eligible time. ARGV[2] is the new score
// in unix milliseconds, or -1 to complete without re-admitting.
var releaseScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 and tonumber(ARGV[2]) >= 0 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return removed
`)

// reclaimScript moves every member whose lease deadline has passed back
// to the delayed set for immediate redelivery.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #expired
`)

// Option configures the Queue.
type Option func(*Queue)

// WithLeaseTTL sets how long a dequeued job stays invisible before it is
// eligible for reclaim.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) { q.leaseTTL = d }
}

// Queue schedules job ids for delivery at or after their eligible time.
type Queue struct {
	client   redis.Cmdable
	leaseTTL time.Duration
}

// New creates a Queue. The caller owns the Redis client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Queue {
	q := &Queue{client: client, leaseTTL: defaultLeaseTTL}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue admits a job for delivery at or after eligibleAt. Enqueueing
// an id that is already pending is a no-op, so the job id serves as the
// idempotency key for queue delivery.
func (q *Queue) Enqueue(ctx context.Context, jobID string, eligibleAt time.Time) error {
	err := q.client.ZAddNX(ctx, delayedKey, redis.Z{
		Score:  float64(eligibleAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	return nil
}

// Dequeue claims the earliest job whose eligible time has arrived and
// returns a lease on it, or nil when nothing is ready. The lease must be
// released exactly once, via Complete or Redefer.
func (q *Queue) Dequeue(ctx context.Context, now time.Time) (*Lease, error) {
	id, err := dequeueScript.Run(ctx, q.client,
		[]string{delayedKey, processingKey},
		now.UnixMilli(),
		now.Add(q.leaseTTL).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	return &Lease{queue: q, jobID: id}, nil
}

// ReclaimExpired re-admits jobs whose lease deadline has passed without
// a release, making them immediately deliverable again. Returns how many
// jobs were reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{processingKey, delayedKey},
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}

	return n, nil
}

// PendingCount returns the number of jobs awaiting delivery.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, delayedKey).Result()
}

// Lease is the exclusive hold a worker has on a dequeued job.
type Lease struct {
	queue *Queue
	jobID string

	mu       sync.Mutex
	released bool
}

// JobID returns the id of the leased job.
func (l *Lease) JobID() string { return l.jobID }

// Complete releases the lease without re-admitting the job. Called after
// a terminal outcome has been recorded, or when the job record turned
// out to be missing or already sent.
func (l *Lease) Complete(ctx context.Context) error {
	return l.release(ctx, -1)
}

// Redefer releases the lease and re-admits the job for delivery at or
// after eligibleAt. The payload is never lost: the job id goes straight
// back into the delayed set.
func (l *Lease) Redefer(ctx context.Context, eligibleAt time.Time) error {
	return l.release(ctx, eligibleAt.UnixMilli())
}

func (l *Lease) release(ctx context.Context, score int64) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ErrLeaseReleased
	}
	l.released = true
	l.mu.Unlock()

	err := releaseScript.Run(ctx, l.queue.client,
		[]string{processingKey, delayedKey},
		l.jobID,
		score,
	).Err()
	if err != nil {
		return fmt.Errorf("release lease for job %s: %w", l.jobID, err)
	}

	return nil
}
