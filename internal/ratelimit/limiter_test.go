package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client), mr
}

func TestReserveDelaySlot_FirstCallIsImmediate(t *testing.T) {
	limiter, _ := setupLimiter(t)
	now := time.Now()

	wait, err := limiter.ReserveDelaySlot(context.Background(), "a@x.com", 2*time.Second, now)

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestReserveDelaySlot_SpacesConsecutiveCalls(t *testing.T) {
	limiter, _ := setupLimiter(t)
	now := time.Now()
	ctx := context.Background()
	const minDelay = 5 * time.Second

	// Same instant, three calls: a FIFO ticket dispenser hands out
	// slots at now, now+5s, now+10s.
	for i, want := range []time.Duration{0, 5 * time.Second, 10 * time.Second} {
		wait, err := limiter.ReserveDelaySlot(ctx, "a@x.com", minDelay, now)
		require.NoError(t, err)
		assert.Equal(t, want, wait, "call %d", i)
	}
}

func TestReserveDelaySlot_PastReservationResets(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()
	const minDelay = 2 * time.Second

	_, err := limiter.ReserveDelaySlot(ctx, "a@x.com", minDelay, now)
	require.NoError(t, err)

	// Long after the reservation has lapsed the sender starts fresh.
	wait, err := limiter.ReserveDelaySlot(ctx, "a@x.com", minDelay, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestReserveDelaySlot_SendersDoNotContend(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := limiter.ReserveDelaySlot(ctx, "a@x.com", 5*time.Second, now)
	require.NoError(t, err)

	wait, err := limiter.ReserveDelaySlot(ctx, "b@x.com", 5*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestReserveDelaySlot_ReservationExpires(t *testing.T) {
	limiter, mr := setupLimiter(t)
	ctx := context.Background()
	const minDelay = 2 * time.Second

	_, err := limiter.ReserveDelaySlot(ctx, "a@x.com", minDelay, time.Now())
	require.NoError(t, err)

	// Idle senders are reclaimed after a bounded multiple of minDelay.
	assert.Equal(t, minDelay*100, mr.TTL("delay:a@x.com"))
	mr.FastForward(minDelay * 100)
	assert.False(t, mr.Exists("delay:a@x.com"))
}

func TestReserveDelaySlot_ConcurrentCallsAreSerialized(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()
	const minDelay = 5 * time.Second
	const n = 10

	waits := make([]time.Duration, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wait, err := limiter.ReserveDelaySlot(ctx, "a@x.com", minDelay, now)
			assert.NoError(t, err)
			waits[i] = wait
		}(i)
	}
	wg.Wait()

	// N concurrent reservations for one sender must form a strict
	// sequence: one slot each at now, now+5s, ..., now+45s.
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	for i, wait := range waits {
		assert.Equal(t, time.Duration(i)*minDelay, wait)
	}
}

func TestTryConsumeHourlySlot_CountsUpToLimit(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()

	for want := int64(1); want <= 3; want++ {
		count, err := limiter.TryConsumeHourlySlot(ctx, "a@x.com", 3, now)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	_, err := limiter.TryConsumeHourlySlot(ctx, "a@x.com", 3, now)
	assert.ErrorIs(t, err, ErrHourlyLimited)
}

func TestTryConsumeHourlySlot_RejectionDoesNotMutate(t *testing.T) {
	limiter, mr := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := limiter.TryConsumeHourlySlot(ctx, "a@x.com", 1, now)
	require.NoError(t, err)

	_, err = limiter.TryConsumeHourlySlot(ctx, "a@x.com", 1, now)
	require.ErrorIs(t, err, ErrHourlyLimited)

	count, err := mr.Get(hourWindowKey("a@x.com", now))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestTryConsumeHourlySlot_BucketsAreIndependent(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := limiter.TryConsumeHourlySlot(ctx, "a@x.com", 1, now)
	require.NoError(t, err)
	_, err = limiter.TryConsumeHourlySlot(ctx, "a@x.com", 1, now)
	require.ErrorIs(t, err, ErrHourlyLimited)

	// Another sender in the same hour has its own counter.
	count, err := limiter.TryConsumeHourlySlot(ctx, "b@x.com", 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The same sender in the next hour starts a fresh bucket.
	count, err = limiter.TryConsumeHourlySlot(ctx, "a@x.com", 1, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNextHourStart(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), NextHourStart(at))

	onTheHour := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), NextHourStart(onTheHour))
}

func TestHourWindowKey(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, "rate:a@x.com:2025-03-10-14", hourWindowKey("a@x.com", at))
}
