// Package ratelimit implements the two per-sender throttles that pace
// outbound email: a minimum spacing between consecutive sends and a cap
// on sends per rolling clock-hour. Both live in Redis and both mutate
// their key inside a single Lua script, so concurrent workers observe a
// strictly serialized sequence of reservations per sender.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHourlyLimited is returned by TryConsumeHourlySlot when the sender's
// counter for the current clock-hour has reached its limit. The counter
// is not mutated in that case.
var ErrHourlyLimited = errors.New("ratelimit: hourly limit reached")

// reserveScript is the minimum-spacing ticket dispenser. The key holds
// the sender's next eligible send time in unix milliseconds. Every call
// advances the reservation by minDelay, whether or not the caller ends
// up sending; the returned wait is how long the caller must hold off.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local minDelay = tonumber(ARGV[2])
local current = redis.call('GET', key)
if not current then
  redis.call('SET', key, now + minDelay)
  redis.call('PEXPIRE', key, minDelay * 100)
  return 0
end
current = tonumber(current)
if current <= now then
  redis.call('SET', key, now + minDelay)
  redis.call('PEXPIRE', key, minDelay * 100)
  return 0
end
local wait = current - now
redis.call('SET', key, current + minDelay)
redis.call('PEXPIRE', key, minDelay * 100)
return wait
`)

// hourlyScript increments the sender's counter for the current hour
// bucket unless it is already at the limit. The bucket expires at the
// end of its hour, so an idle sender leaves no state behind.
var hourlyScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local expireAt = tonumber(ARGV[2])
local current = redis.call('GET', key)
if not current then current = 0 else current = tonumber(current) end
if current >= limit then
  return -1
end
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIREAT', key, expireAt)
end
return count
`)

// Limiter holds per-sender throttle state in a shared Redis instance.
type Limiter struct {
	client redis.Cmdable
}

// New creates a Limiter. The caller owns the Redis client lifecycle.
func New(client redis.Cmdable) *Limiter {
	return &Limiter{client: client}
}

// ReserveDelaySlot claims the sender's next send slot and returns how
// long the caller must wait before dispatching. A zero wait means the
// slot is available now. The reservation always advances, so N
// concurrent calls for one sender receive N distinct slots spaced
// minDelay apart, in arrival order.
func (l *Limiter) ReserveDelaySlot(ctx context.Context, sender string, minDelay time.Duration, now time.Time) (time.Duration, error) {
	waitMs, err := reserveScript.Run(ctx, l.client,
		[]string{delayKey(sender)},
		now.UnixMilli(),
		minDelay.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve delay slot for %s: %w", sender, err)
	}

	return time.Duration(waitMs) * time.Millisecond, nil
}

// TryConsumeHourlySlot consumes one send from the sender's current
// clock-hour bucket and returns the bucket's new count. When the bucket
// is full it returns ErrHourlyLimited without mutating the counter.
func (l *Limiter) TryConsumeHourlySlot(ctx context.Context, sender string, limit int, now time.Time) (int64, error) {
	count, err := hourlyScript.Run(ctx, l.client,
		[]string{hourWindowKey(sender, now)},
		limit,
		NextHourStart(now).Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("consume hourly slot for %s: %w", sender, err)
	}
	if count < 0 {
		return 0, ErrHourlyLimited
	}

	return count, nil
}

// NextHourStart returns the start of the clock-hour after t, in UTC.
// Throttled jobs re-enter the queue at this boundary.
func NextHourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func delayKey(sender string) string {
	return "delay:" + sender
}

// hourWindowKey buckets by sender and UTC hour so concurrent senders
// never contend on each other's counters.
func hourWindowKey(sender string, t time.Time) string {
	return "rate:" + sender + ":" + t.UTC().Format("2006-01-02-15")
}
