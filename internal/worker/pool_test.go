package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailflow/internal/delayqueue"
	"mailflow/internal/models"
)

func redisQueue(t *testing.T) *delayqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return delayqueue.New(client)
}

func TestPool_DeliversScheduledJob(t *testing.T) {
	queue := redisQueue(t)
	job := scheduledJob("j1", "a@x.com")
	job.ScheduledAt = time.Now().Add(-time.Second)
	store := newFakeStore(job)
	sender := &fakeSender{}

	processor := NewProcessor(store, &fakeThrottle{}, sender, nil, zap.NewNop())
	pool := NewPool(queue, processor, 2, zap.NewNop(), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	defer func() {
		cancel()
		wg.Wait()
	}()

	require.NoError(t, queue.Enqueue(ctx, "j1", time.Now()))

	require.Eventually(t, func() bool {
		return store.job("j1").Status == models.StatusSent
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sender.sentCount())
	assert.Equal(t, 1, store.job("j1").Attempts)
}

// A job dequeued ahead of its scheduled time goes back to the queue and
// is delivered once the time arrives, with a single attempt counted.
func TestPool_RedefersThenDelivers(t *testing.T) {
	queue := redisQueue(t)
	job := scheduledJob("j1", "a@x.com")
	job.ScheduledAt = time.Now().Add(150 * time.Millisecond)
	store := newFakeStore(job)
	sender := &fakeSender{}

	processor := NewProcessor(store, &fakeThrottle{}, sender, nil, zap.NewNop())
	pool := NewPool(queue, processor, 2, zap.NewNop(), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Enqueued as already eligible, simulating an early queue delivery.
	require.NoError(t, queue.Enqueue(ctx, "j1", time.Now()))

	require.Eventually(t, func() bool {
		return store.job("j1").Status == models.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	job2 := store.job("j1")
	assert.Equal(t, 1, job2.Attempts)
	require.NotNil(t, job2.SentAt)
	assert.False(t, job2.SentAt.Before(job.ScheduledAt), "dispatched before scheduled time")
}

func TestPool_StopsOnCancel(t *testing.T) {
	queue := redisQueue(t)
	processor := NewProcessor(newFakeStore(), &fakeThrottle{}, &fakeSender{}, nil, zap.NewNop())
	pool := NewPool(queue, processor, 3, zap.NewNop(), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}
