package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue 进程内队列，用于测试和单进程开发模式。
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	keys     map[string]string
	seq      int64
	now      func() time.Time
	lease    time.Duration
	progress func(jobID string, pct int)
}

// MemoryOption 内存队列选项
type MemoryOption func(*MemoryQueue)

// WithClock 替换时钟，测试中推进时间用
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithLease 租约时长，worker 超过这个时间没有续约时任务被回收
func WithLease(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithProgressListener 进度变化回调
func WithProgressListener(fn func(jobID string, pct int)) MemoryOption {
	return func(q *MemoryQueue) { q.progress = fn }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:  make(map[string]*Job),
		keys:  make(map[string]string),
		now:   time.Now,
		lease: DefaultLease,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue string, payload Payload, opts EnqueueOptions) (*Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("enqueue %s: nil payload", queue)
	}
	opts = opts.WithDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.JobKey != "" {
		if id, ok := q.keys[opts.JobKey]; ok {
			if existing, ok := q.jobs[id]; ok && !existing.State.Terminal() {
				return existing.Clone()
			}
			delete(q.keys, opts.JobKey)
		}
	}

	now := q.now()
	q.seq++
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        payload.JobType(),
		Payload:     payload,
		Priority:    opts.Priority,
		Key:         opts.JobKey,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       StateWaiting,
		Seq:         q.seq,
		CreatedAt:   now,
		RunAt:       now,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}
	q.jobs[job.ID] = job
	if job.Key != "" {
		q.keys[job.Key] = job.ID
	}
	return job.Clone()
}

func (q *MemoryQueue) Get(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone()
}

func (q *MemoryQueue) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return StatusOf(job), nil
}

func (q *MemoryQueue) Stats(_ context.Context, queue string) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, job := range q.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateDelayed:
			s.Delayed++
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return &s, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	switch job.State {
	case StateActive:
		return ErrJobActive
	case StateCompleted, StateFailed:
		return ErrJobFinished
	}
	q.drop(job)
	return nil
}

func (q *MemoryQueue) Clean(_ context.Context, queue string, state State, olderThan time.Duration) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("clean: state %q is not terminal", state)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-olderThan)
	removed := 0
	for _, job := range q.jobs {
		if job.Queue != queue || job.State != state || job.FinishedAt == nil {
			continue
		}
		if job.FinishedAt.After(cutoff) {
			continue
		}
		q.drop(job)
		removed++
	}
	return removed, nil
}

func (q *MemoryQueue) Claim(_ context.Context, queue string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.recoverStalled(queue, now)

	var ready []*Job
	for _, job := range q.jobs {
		if job.Queue != queue {
			continue
		}
		if job.State == StateDelayed && !job.RunAt.After(now) {
			job.State = StateWaiting
		}
		if job.State == StateWaiting {
			ready = append(ready, job)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority < ready[k].Priority
		}
		return ready[i].Seq < ready[k].Seq
	})

	job := ready[0]
	job.State = StateActive
	job.Attempts++
	started, lease := now, now.Add(q.lease)
	job.StartedAt = &started
	job.LeaseUntil = &lease
	job.AttemptLog = append(job.AttemptLog, Attempt{Number: job.Attempts, StartedAt: now})
	return job.Clone()
}

func (q *MemoryQueue) Complete(_ context.Context, jobID string, result any) error {
	raw, err := marshalResult(result)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.active(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.State = StateCompleted
	job.Progress = 100
	job.Result = raw
	job.FinishedAt = &now
	job.LeaseUntil = nil
	finishAttempt(job, now, "")
	q.releaseKey(job)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, jobID string, reason string, retryable bool) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.active(jobID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	q.fail(job, now, reason, retryable)
	return job.Clone()
}

func (q *MemoryQueue) fail(job *Job, now time.Time, reason string, retryable bool) {
	job.FailureReason = reason
	job.LeaseUntil = nil
	finishAttempt(job, now, reason)
	if retryable && job.Attempts < job.MaxAttempts {
		job.State = StateDelayed
		job.RunAt = now.Add(job.Backoff.Next(job.Attempts))
		job.StartedAt = nil
		return
	}
	job.State = StateFailed
	job.FinishedAt = &now
	q.releaseKey(job)
}

func (q *MemoryQueue) Postpone(_ context.Context, jobID string, delay time.Duration, reason string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.active(jobID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	dropAttempt(job)
	job.Deferrals++
	job.FailureReason = reason
	job.State = StateDelayed
	job.RunAt = now.Add(max(delay, 0))
	job.StartedAt = nil
	job.LeaseUntil = nil
	return job.Clone()
}

func (q *MemoryQueue) Heartbeat(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.active(jobID)
	if err != nil {
		return err
	}
	lease := q.now().Add(q.lease)
	job.LeaseUntil = &lease
	return nil
}

// recoverStalled 租约过期的 active 任务按一次失败的尝试处理
func (q *MemoryQueue) recoverStalled(queue string, now time.Time) {
	for _, job := range q.jobs {
		if job.Queue != queue || job.State != StateActive || job.LeaseUntil == nil {
			continue
		}
		if job.LeaseUntil.After(now) {
			continue
		}
		q.fail(job, now, StalledReason, true)
	}
}

func (q *MemoryQueue) SetProgress(_ context.Context, jobID string, pct int) error {
	q.mu.Lock()
	job, err := q.active(jobID)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	job.Progress = clampProgress(pct)
	lease := q.now().Add(q.lease)
	job.LeaseUntil = &lease
	listener, value := q.progress, job.Progress
	q.mu.Unlock()

	if listener != nil {
		listener(jobID, value)
	}
	return nil
}

func (q *MemoryQueue) Checkpoint(_ context.Context, jobID string, payload Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.active(jobID)
	if err != nil {
		return err
	}
	if payload == nil || payload.JobType() != job.Type {
		return fmt.Errorf("checkpoint %s: payload type mismatch", jobID)
	}
	job.Payload = payload
	return nil
}

// Advance 把所有延迟任务的执行时间提前到现在，测试中跳过退避等待
func (q *MemoryQueue) Advance() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, job := range q.jobs {
		if job.State == StateDelayed {
			job.RunAt = now
		}
	}
}

func (q *MemoryQueue) active(jobID string) (*Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotOwned, jobID, job.State)
	}
	return job, nil
}

func (q *MemoryQueue) drop(job *Job) {
	q.releaseKey(job)
	delete(q.jobs, job.ID)
}

func (q *MemoryQueue) releaseKey(job *Job) {
	if job.Key != "" && q.keys[job.Key] == job.ID {
		delete(q.keys, job.Key)
	}
}

func finishAttempt(job *Job, now time.Time, reason string) {
	if n := len(job.AttemptLog); n > 0 {
		job.AttemptLog[n-1].FinishedAt = now
		job.AttemptLog[n-1].Error = reason
	}
}

// dropAttempt 撤销 Claim 记下的这次尝试
func dropAttempt(job *Job) {
	if job.Attempts > 0 {
		job.Attempts--
	}
	if n := len(job.AttemptLog); n > 0 {
		job.AttemptLog = job.AttemptLog[:n-1]
	}
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return raw, nil
}
