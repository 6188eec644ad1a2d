package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/domain/queue"
)

func TestCleanerHonoursRetentionPerState(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now))

	finish := func(id string, ok bool) {
		_, err := q.Enqueue(ctx, "ingest", extract(id), queue.EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)
		job, err := q.Claim(ctx, "ingest")
		require.NoError(t, err)
		if ok {
			require.NoError(t, q.Complete(ctx, job.ID, nil))
			return
		}
		_, err = q.Fail(ctx, job.ID, "boom", false)
		require.NoError(t, err)
	}
	finish("done", true)
	finish("broken", false)

	c := queue.NewCleaner(q, queue.CleanerConfig{
		Queues:             []string{"ingest"},
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	})

	assert.Zero(t, c.RunOnce(ctx))

	clock.add(2 * time.Hour)
	assert.Equal(t, 1, c.RunOnce(ctx))
	stats, err := q.Stats(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Failed: 1}, *stats)

	clock.add(24 * time.Hour)
	assert.Equal(t, 1, c.RunOnce(ctx))
}

type failingCleanQueue struct {
	*queue.MemoryQueue
	calls int
}

func (q *failingCleanQueue) Clean(context.Context, string, queue.State, time.Duration) (int, error) {
	q.calls++
	return 0, errors.New("redis down")
}

func TestCleanerKeepsGoingAfterErrors(t *testing.T) {
	q := &failingCleanQueue{MemoryQueue: queue.NewMemoryQueue()}
	c := queue.NewCleaner(q, queue.CleanerConfig{
		Queues:             []string{"ingestion", "deletion"},
		CompletedRetention: time.Hour,
	})
	assert.Zero(t, c.RunOnce(context.Background()))
	assert.Equal(t, 2, q.calls, "failed retention is disabled")
}
