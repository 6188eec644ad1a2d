package redisdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func extractPayload(id string) queue.ExtractTextPayload {
	return queue.ExtractTextPayload{
		FileRef:    queue.FileRef{FileID: id, TenantID: "t1", AgentID: "a1"},
		StorageKey: "t1/a1/" + id,
		FileName:   id + ".txt",
	}
}

func TestQueueClaimOrdersByPriorityThenFIFO(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "ingestion", extractPayload("low"), queue.EnqueueOptions{Priority: queue.PriorityLow})
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, "ingestion", extractPayload("n1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "ingestion", extractPayload("n2"), queue.EnqueueOptions{})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, "ingestion", extractPayload("u"), queue.EnqueueOptions{Priority: queue.PriorityUrgent})
	require.NoError(t, err)

	var order []string
	for {
		job, err := q.Claim(ctx, "ingestion")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, queue.StateActive, job.State)
	}
	assert.Equal(t, []string{urgent.ID, first.ID, second.ID, low.ID}, order)

	stats, err := q.Stats(ctx, "ingestion")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Active)
	assert.Equal(t, int64(0), stats.Waiting)
}

func TestQueuePayloadSurvivesRoundTrip(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ingestion", extractPayload("f1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, queue.JobExtractText, job.Type)
	p, ok := job.Payload.(queue.ExtractTextPayload)
	require.True(t, ok, "payload decoded as %T", job.Payload)
	assert.Equal(t, "f1", p.FileID)
	assert.Equal(t, "t1/a1/f1", p.StorageKey)
}

func TestQueueJobKeyDedup(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	ctx := context.Background()
	opts := queue.EnqueueOptions{JobKey: "delete-file:f1"}

	a, err := q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	job, err := q.Claim(ctx, "deletion")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, map[string]int{"deleted": 1}))

	c, err := q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, opts)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "key is released once the job finishes")

	done, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, done.State)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"deleted":1}`, string(done.Result))
}

func TestQueueRetryWithBackoffThenFail(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "ingestion", extractPayload("f1"), queue.EnqueueOptions{
		MaxAttempts: 2,
		Backoff:     queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: time.Second},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	failed, err := q.Fail(ctx, claimed.ID, "timeout", true)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, failed.State)
	assert.Equal(t, now.Add(time.Second), failed.RunAt)

	again, err := q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	assert.Nil(t, again, "delayed job is not due yet")

	now = now.Add(time.Second)
	again, err = q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	final, err := q.Fail(ctx, again.ID, "timeout again", true)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, final.State)
	assert.Len(t, final.AttemptLog, 2)
	assert.Equal(t, "timeout again", final.FailureReason)

	status, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
	assert.Equal(t, 2, status.Attempts)
}

func TestQueueCancel(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	ctx := context.Background()

	waiting, err := q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "w"}}, queue.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, waiting.ID))
	_, err = q.Get(ctx, waiting.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "a"}}, queue.EnqueueOptions{})
	require.NoError(t, err)
	active, err := q.Claim(ctx, "deletion")
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, active.ID), queue.ErrJobActive)

	require.NoError(t, q.Complete(ctx, active.ID, nil))
	assert.ErrorIs(t, q.Cancel(ctx, active.ID), queue.ErrJobFinished)
}

func TestQueueCheckpointAndProgress(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "deletion", queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "deletion")
	require.NoError(t, err)

	p := job.Payload.(queue.DeleteFilePayload)
	p.MarkDone(queue.DeleteStepStorage)
	require.NoError(t, q.Checkpoint(ctx, job.ID, p))
	assert.Error(t, q.Checkpoint(ctx, job.ID, extractPayload("f1")))

	require.NoError(t, q.SetProgress(ctx, job.ID, 40))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	saved := got.Payload.(queue.DeleteFilePayload)
	assert.True(t, saved.HasDone(queue.DeleteStepStorage))
}

func TestQueueRecoversJobsOfCrashedWorker(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	opts := queue.EnqueueOptions{
		JobKey:      "delete-file:f1",
		MaxAttempts: 5,
		Backoff:     queue.BackoffPolicy{Type: queue.BackoffFixed, Delay: time.Second},
	}
	del := queue.DeleteFilePayload{FileRef: queue.FileRef{FileID: "f1"}}

	crashed := NewQueue(client, "test", WithClock(clock), WithLease(time.Minute))
	job, err := crashed.Enqueue(ctx, "deletion", del, opts)
	require.NoError(t, err)
	claimed, err := crashed.Claim(ctx, "deletion")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotNil(t, claimed.LeaseUntil)

	restarted := NewQueue(client, "test", WithClock(clock), WithLease(time.Minute))
	now = now.Add(30 * time.Second)
	none, err := restarted.Claim(ctx, "deletion")
	require.NoError(t, err)
	assert.Nil(t, none, "lease still valid")

	now = now.Add(time.Hour)
	none, err = restarted.Claim(ctx, "deletion")
	require.NoError(t, err)
	assert.Nil(t, none, "recovered job waits out its backoff")
	got, err := restarted.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, got.State)
	assert.Equal(t, queue.StalledReason, got.FailureReason)
	assert.ErrorIs(t, crashed.Complete(ctx, job.ID, nil), queue.ErrJobNotOwned)
	assert.ErrorIs(t, crashed.Heartbeat(ctx, job.ID), queue.ErrJobNotOwned)

	stats, err := restarted.Stats(ctx, "deletion")
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
	assert.EqualValues(t, 1, stats.Delayed)

	now = now.Add(time.Second)
	reclaimed, err := restarted.Claim(ctx, "deletion")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	require.NoError(t, restarted.Complete(ctx, reclaimed.ID, nil))

	fresh, err := restarted.Enqueue(ctx, "deletion", del, opts)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID, "a new delete request is accepted")
}

func TestQueueHeartbeatAndPostpone(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQueue(client, "test", WithClock(func() time.Time { return now }), WithLease(time.Minute))

	job, err := q.Enqueue(ctx, "ingestion", extractPayload("f1"), queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "ingestion")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		now = now.Add(45 * time.Second)
		require.NoError(t, q.Heartbeat(ctx, job.ID))
		none, err := q.Claim(ctx, "ingestion")
		require.NoError(t, err)
		assert.Nil(t, none)
	}
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, got.State, "heartbeats keep the job owned")

	postponed, err := q.Postpone(ctx, job.ID, 10*time.Second, "file locked")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, postponed.State)
	assert.Zero(t, postponed.Attempts)
	assert.Equal(t, 1, postponed.Deferrals)

	now = now.Add(10 * time.Second)
	again, err := q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts, "a postponed run does not use up the only attempt")
	assert.Len(t, again.AttemptLog, 1)
}

func TestQueueCleanRemovesOldTerminalJobs(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "test")
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ingestion", extractPayload("f1"), queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "ingestion")
	require.NoError(t, err)
	_, err = q.Fail(ctx, job.ID, "bad pdf", false)
	require.NoError(t, err)

	n, err := q.Clean(ctx, "ingestion", queue.StateFailed, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = q.Clean(ctx, "ingestion", queue.StateFailed, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = q.Clean(ctx, "ingestion", queue.StateWaiting, 0)
	assert.Error(t, err)
}

func TestEmbeddingCache(t *testing.T) {
	mr, client := newTestClient(t)
	c := NewEmbeddingCache(client, 60)
	ctx := context.Background()

	_, _, ok := c.Get(ctx, "m1", "hello")
	assert.False(t, ok)

	c.Set(ctx, "m1", "hello", []float32{0.5, 0.25}, 3)
	vec, tokens, ok := c.Get(ctx, "m1", "hello")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 3, tokens)

	_, _, ok = c.Get(ctx, "m2", "hello")
	assert.False(t, ok, "model is part of the key")

	n, err := c.InvalidateModel(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.Set(ctx, "m1", "bye", []float32{1}, 1)
	mr.FastForward(2 * time.Minute)
	_, _, ok = c.Get(ctx, "m1", "bye")
	assert.False(t, ok, "entries expire")
}

func TestHistoryAppendCapsAndLoads(t *testing.T) {
	_, client := newTestClient(t)
	h := NewHistory(HistoryConfig{Client: client, MaxLen: 3})
	ctx := context.Background()

	_, found, err := h.Load(ctx, "s1", 10)
	require.NoError(t, err)
	assert.False(t, found)

	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := port.RoleUser
		if i%2 == 1 {
			role = port.RoleAssistant
		}
		require.NoError(t, h.Append(ctx, "s1", &port.ChatMessage{SessionID: "s1", Role: role, Content: content}))
	}

	msgs, found, err := h.Load(ctx, "s1", 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a1", msgs[0].Content)
	assert.Equal(t, "a2", msgs[2].Content)

	msgs, _, err = h.Load(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"q2", "a2"}, []string{msgs[0].Content, msgs[1].Content})

	require.NoError(t, h.Clear(ctx, "s1"))
	_, found, err = h.Load(ctx, "s1", 10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStageLock(t *testing.T) {
	mr, client := newTestClient(t)
	l := NewStageLock(client, time.Minute)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.Acquire(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)

	// 过期后被他人持有，旧的 release 不能误删
	mr.FastForward(2 * time.Minute)
	_, ok, err = l.Acquire(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	release2()
	assert.True(t, mr.Exists("ingest:lock:f1"))
}
