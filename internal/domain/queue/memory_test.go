package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/queue"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) add(d time.Duration)     { c.t = c.t.Add(d) }
func newClock() *fakeClock                   { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }
func extract(id string) queue.ExtractTextPayload {
	return queue.ExtractTextPayload{FileRef: queue.FileRef{FileID: id, TenantID: "t1", AgentID: "a1"}}
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	low, err := q.Enqueue(ctx, "ingest", extract("low"), queue.EnqueueOptions{Priority: queue.PriorityLow})
	require.NoError(t, err)
	n1, err := q.Enqueue(ctx, "ingest", extract("n1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	n2, err := q.Enqueue(ctx, "ingest", extract("n2"), queue.EnqueueOptions{})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, "ingest", extract("urgent"), queue.EnqueueOptions{Priority: queue.PriorityUrgent})
	require.NoError(t, err)

	var order []string
	for {
		job, err := q.Claim(ctx, "ingest")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgent.ID, n1.ID, n2.ID, low.ID}, order)
}

func TestEnqueueJobKeyReturnsExistingJob(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	opts := queue.EnqueueOptions{JobKey: "delete-file:f1"}

	first, err := q.Enqueue(ctx, "delete", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "delete", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	job, err := q.Claim(ctx, "delete")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, nil))

	third, err := q.Enqueue(ctx, "delete", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestFailRetriesWithBackoffUntilExhausted(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now))

	job, err := q.Enqueue(ctx, "ingest", extract("f1"), queue.EnqueueOptions{
		MaxAttempts: 3,
		Backoff:     queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: time.Second},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "ingest")
	require.NoError(t, err)
	updated, err := q.Fail(ctx, claimed.ID, "timeout", true)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, updated.State)
	assert.Equal(t, clock.t.Add(time.Second), updated.RunAt)

	none, err := q.Claim(ctx, "ingest")
	require.NoError(t, err)
	assert.Nil(t, none, "delayed job must not be claimable before its run time")

	clock.add(time.Second)
	claimed, err = q.Claim(ctx, "ingest")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)
	updated, err = q.Fail(ctx, claimed.ID, "timeout", true)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(2*time.Second), updated.RunAt)

	clock.add(2 * time.Second)
	claimed, err = q.Claim(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, claimed.LastAttempt())
	updated, err = q.Fail(ctx, claimed.ID, "timeout", true)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, updated.State)
	assert.Equal(t, 3, updated.Attempts)
	assert.Len(t, updated.AttemptLog, 3)
	assert.Equal(t, "timeout", updated.FailureReason)

	kept, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, extract("f1"), kept.Payload)
}

func TestFailNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	_, err := q.Enqueue(ctx, "ingest", extract("f1"), queue.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "ingest")
	require.NoError(t, err)
	updated, err := q.Fail(ctx, claimed.ID, "unsupported", false)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, updated.State)
	assert.Equal(t, 1, updated.Attempts)
}

func TestCancelOnlyBeforeExecution(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	delayed, err := q.Enqueue(ctx, "delete", extract("d"), queue.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, delayed.ID))
	_, err = q.Get(ctx, delayed.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	running, err := q.Enqueue(ctx, "delete", extract("r"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "delete")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, running.ID), queue.ErrJobActive)

	require.NoError(t, q.Complete(ctx, running.ID, map[string]int{"removed": 1}))
	assert.ErrorIs(t, q.Cancel(ctx, running.ID), queue.ErrJobFinished)
	assert.ErrorIs(t, q.Cancel(ctx, "missing"), queue.ErrJobNotFound)
}

func TestStatsAndClean(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now))

	_, _ = q.Enqueue(ctx, "ingest", extract("w"), queue.EnqueueOptions{})
	_, _ = q.Enqueue(ctx, "ingest", extract("d"), queue.EnqueueOptions{Delay: time.Hour})
	done, _ := q.Enqueue(ctx, "ingest", extract("c"), queue.EnqueueOptions{Priority: queue.PriorityUrgent})
	claimed, err := q.Claim(ctx, "ingest")
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.ID)
	require.NoError(t, q.Complete(ctx, claimed.ID, nil))

	stats, err := q.Stats(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Waiting: 1, Delayed: 1, Completed: 1}, *stats)

	clock.add(10 * time.Minute)
	removed, err := q.Clean(ctx, "ingest", queue.StateCompleted, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Clean(ctx, "ingest", queue.StateWaiting, 0)
	assert.Error(t, err)
}

func TestCheckpointPersistsPayloadForRetry(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	payload := queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}
	job, err := q.Enqueue(ctx, "delete", payload, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "delete")
	require.NoError(t, err)
	payload.MarkDone(queue.DeleteStepStorage)
	require.NoError(t, q.Checkpoint(ctx, job.ID, payload))
	assert.Error(t, q.Checkpoint(ctx, job.ID, extract("f1")), "payload type must match job type")

	_, err = q.Fail(ctx, job.ID, "vector store down", true)
	require.NoError(t, err)
	q.Advance()
	again, err := q.Claim(ctx, "delete")
	require.NoError(t, err)
	got, ok := again.Payload.(queue.DeleteFilePayload)
	require.True(t, ok)
	assert.True(t, got.HasDone(queue.DeleteStepStorage))
	assert.False(t, got.HasDone(queue.DeleteStepVectors))
}

func TestJobJSONKeepsPayloadVariant(t *testing.T) {
	job := &queue.Job{
		ID:   "j1",
		Type: queue.JobGenerateEmbeddings,
		Payload: queue.GenerateEmbeddingsPayload{
			FileRef: queue.FileRef{FileID: "f1"},
			Chunks:  []chunking.Chunk{{Index: 0, Content: "hello", Hash: chunking.ContentHash("hello"), End: 5}},
		},
	}
	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded queue.Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	p, ok := decoded.Payload.(queue.GenerateEmbeddingsPayload)
	require.True(t, ok, "got %T", decoded.Payload)
	assert.Equal(t, "hello", p.Chunks[0].Content)

	var bad queue.Job
	assert.Error(t, json.Unmarshal([]byte(`{"type":"resize-image","payload":{}}`), &bad))
}

func TestBackoffPolicyNext(t *testing.T) {
	exp := queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Next(1))
	assert.Equal(t, 4*time.Second, exp.Next(2))
	assert.Equal(t, 8*time.Second, exp.Next(3))

	fixed := queue.BackoffPolicy{Type: queue.BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Next(4))
}

func TestProgressIsClampedAndPublished(t *testing.T) {
	ctx := context.Background()
	var seen []int
	q := queue.NewMemoryQueue(queue.WithProgressListener(func(_ string, pct int) { seen = append(seen, pct) }))
	job, err := q.Enqueue(ctx, "ingest", extract("f1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	assert.Error(t, q.SetProgress(ctx, job.ID, 10), "progress only for active jobs")

	_, err = q.Claim(ctx, "ingest")
	require.NoError(t, err)
	require.NoError(t, q.SetProgress(ctx, job.ID, 40))
	require.NoError(t, q.SetProgress(ctx, job.ID, 140))
	st, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, []int{40, 100}, seen)
}

func TestExpiredLeaseReturnsJobToQueue(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now), queue.WithLease(time.Minute))
	opts := queue.EnqueueOptions{JobKey: "delete-file:f1", MaxAttempts: 2, Backoff: queue.BackoffPolicy{Type: queue.BackoffFixed, Delay: time.Second}}
	del := queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}

	job, err := q.Enqueue(ctx, "deletion", del, opts)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "deletion")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotNil(t, claimed.LeaseUntil)
	assert.Equal(t, clock.t.Add(time.Minute), *claimed.LeaseUntil)

	// worker 退出，不再续约
	clock.add(time.Minute)
	none, err := q.Claim(ctx, "deletion")
	require.NoError(t, err)
	assert.Nil(t, none, "recovered job waits out its backoff")

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, got.State)
	assert.Equal(t, queue.StalledReason, got.FailureReason)
	assert.Equal(t, 1, got.Attempts)
	assert.ErrorIs(t, q.Complete(ctx, job.ID, nil), queue.ErrJobNotOwned, "the lost worker can no longer settle the job")

	again, err := q.Enqueue(ctx, "deletion", del, opts)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)

	clock.add(time.Second)
	claimed, err = q.Claim(ctx, "deletion")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	clock.add(time.Minute)
	none, err = q.Claim(ctx, "deletion")
	require.NoError(t, err)
	assert.Nil(t, none)
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, got.State, "stalling on the last attempt fails the job")

	fresh, err := q.Enqueue(ctx, "deletion", del, opts)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID, "the job key is released")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now), queue.WithLease(time.Minute))
	_, err := q.Enqueue(ctx, "ingest", extract("f1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "ingest")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.add(40 * time.Second)
		require.NoError(t, q.Heartbeat(ctx, claimed.ID))
		_, err := q.Claim(ctx, "ingest")
		require.NoError(t, err)
	}
	clock.add(40 * time.Second)
	require.NoError(t, q.SetProgress(ctx, claimed.ID, 50))
	clock.add(40 * time.Second)
	_, err = q.Claim(ctx, "ingest")
	require.NoError(t, err)

	got, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, got.State)
	require.NoError(t, q.Complete(ctx, claimed.ID, nil))
	assert.ErrorIs(t, q.Heartbeat(ctx, claimed.ID), queue.ErrJobNotOwned)
}

func TestPostponeDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := queue.NewMemoryQueue(queue.WithClock(clock.now))
	_, err := q.Enqueue(ctx, "ingest", extract("f1"), queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claimed, err := q.Claim(ctx, "ingest")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, 1, claimed.Attempts)
		updated, err := q.Postpone(ctx, claimed.ID, 5*time.Second, "busy")
		require.NoError(t, err)
		assert.Equal(t, queue.StateDelayed, updated.State)
		assert.Zero(t, updated.Attempts)
		assert.Empty(t, updated.AttemptLog)
		assert.Equal(t, i+1, updated.Deferrals)
		clock.add(5 * time.Second)
	}
}
