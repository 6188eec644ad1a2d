package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agentdesk/internal/domain/queue"
	applog "agentdesk/internal/platform/log"
)

// 优先级分数：priority * priorityStride + seq，同优先级按入队顺序
const priorityStride = 1e13

// Queue Redis 实现的任务队列。
//
// 键布局（prefix 默认 agentdesk:queue）：
//
//	{p}:job:{id}            任务 JSON
//	{p}:key:{jobKey}        去重键 -> 任务 id
//	{p}:seq                 入队序号
//	{p}:{q}:waiting         ZSET，分数为优先级分数
//	{p}:{q}:delayed         ZSET，分数为可执行时间（毫秒）
//	{p}:{q}:scores          HASH，延迟任务提升时使用的优先级分数
//	{p}:{q}:active          ZSET，分数为租约到期时间（毫秒）
//	{p}:{q}:completed       ZSET，分数为结束时间
//	{p}:{q}:failed          ZSET，分数为结束时间
//	{p}:events              进度事件频道
type Queue struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	now    func() time.Time
}

// QueueOption Redis 队列选项
type QueueOption func(*Queue)

// WithLease 租约时长，worker 超过这个时间没有续约时任务被回收
func WithLease(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(client *redis.Client, prefix string, opts ...QueueOption) *Queue {
	if prefix == "" {
		prefix = "agentdesk:queue"
	}
	q := &Queue{client: client, prefix: prefix, lease: queue.DefaultLease, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) jobKey(id string) string      { return q.prefix + ":job:" + id }
func (q *Queue) dedupKey(key string) string   { return q.prefix + ":key:" + key }
func (q *Queue) listKey(name, s string) string { return q.prefix + ":" + name + ":" + s }

// EventsChannel 进度事件频道
func (q *Queue) EventsChannel() string { return q.prefix + ":events" }

// ProgressEvent 进度事件
type ProgressEvent struct {
	JobID    string `json:"job_id"`
	Queue    string `json:"queue"`
	Progress int    `json:"progress"`
}

var enqueueScript = redis.NewScript(`
if ARGV[6] == '1' then
  local existing = redis.call('GET', KEYS[1])
  if existing and redis.call('EXISTS', ARGV[5] .. existing) == 1 then
    return existing
  end
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[3])
if ARGV[4] == '0' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
end
return ARGV[1]
`)

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local score = redis.call('HGET', KEYS[4], id)
  redis.call('ZADD', KEYS[1], score or 0, id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], popped[1])
return popped[1]
`)

// 把租约过期的 active 任务的分数推到 ARGV[2]，返回这些任务。
// 推后分数让并发的回收者不会重复处理，回收中途退出时下一次仍能捡回。
var reapScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 50)
for _, id in ipairs(stale) do
  redis.call('ZADD', KEYS[1], ARGV[2], id)
end
return stale
`)

var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// 返回 1 已取消，0 执行中，-1 不在等待集合
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
  redis.call('DEL', KEYS[3])
  redis.call('HDEL', KEYS[4], ARGV[1])
  return 1
end
if redis.call('ZSCORE', KEYS[5], ARGV[1]) then
  return 0
end
return -1
`)

var releaseKeyScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (q *Queue) Enqueue(ctx context.Context, name string, payload queue.Payload, opts queue.EnqueueOptions) (*queue.Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("enqueue %s: nil payload", name)
	}
	opts = opts.WithDefaults()

	seq, err := q.client.Incr(ctx, q.prefix+":seq").Result()
	if err != nil {
		return nil, fmt.Errorf("redis INCR seq: %w", err)
	}
	now := q.now()
	job := &queue.Job{
		ID:          uuid.NewString(),
		Queue:       name,
		Type:        payload.JobType(),
		Payload:     payload,
		Priority:    opts.Priority,
		Key:         opts.JobKey,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       queue.StateWaiting,
		Seq:         seq,
		CreatedAt:   now,
		RunAt:       now,
	}
	delayedAt := "0"
	if opts.Delay > 0 {
		job.State = queue.StateDelayed
		job.RunAt = now.Add(opts.Delay)
		delayedAt = strconv.FormatInt(job.RunAt.UnixMilli(), 10)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	hasKey := "0"
	dedup := q.dedupKey("-")
	if opts.JobKey != "" {
		hasKey = "1"
		dedup = q.dedupKey(opts.JobKey)
	}
	score := strconv.FormatFloat(float64(job.Priority)*priorityStride+float64(seq), 'f', 0, 64)

	id, err := enqueueScript.Run(ctx, q.client,
		[]string{dedup, q.jobKey(job.ID), q.listKey(name, "waiting"), q.listKey(name, "delayed"), q.listKey(name, "scores")},
		job.ID, data, score, delayedAt, q.prefix+":job:", hasKey,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("redis enqueue: %w", err)
	}
	if id != job.ID {
		applog.Debug("[Queue/Redis] Job key already queued", "job_key", opts.JobKey, "job_id", id)
		return q.Get(ctx, id)
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET job: %w", err)
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) Status(ctx context.Context, jobID string) (*queue.JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return queue.StatusOf(job), nil
}

func (q *Queue) Stats(ctx context.Context, name string) (*queue.Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.listKey(name, "waiting"))
	delayed := pipe.ZCard(ctx, q.listKey(name, "delayed"))
	active := pipe.ZCard(ctx, q.listKey(name, "active"))
	completed := pipe.ZCard(ctx, q.listKey(name, "completed"))
	failed := pipe.ZCard(ctx, q.listKey(name, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis queue stats: %w", err)
	}
	return &queue.Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.listKey(job.Queue, "waiting"), q.listKey(job.Queue, "delayed"), q.jobKey(jobID), q.listKey(job.Queue, "scores"), q.listKey(job.Queue, "active")},
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis cancel: %w", err)
	}
	switch res {
	case 1:
		if job.Key != "" {
			q.releaseKey(ctx, job)
		}
		return nil
	case 0:
		return queue.ErrJobActive
	default:
		if job.State.Terminal() {
			return queue.ErrJobFinished
		}
		return queue.ErrJobActive
	}
}

func (q *Queue) Clean(ctx context.Context, name string, state queue.State, olderThan time.Duration) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("clean: state %q is not terminal", state)
	}
	set := q.listKey(name, string(state))
	cutoff := strconv.FormatInt(q.now().Add(-olderThan).UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis clean range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
		members[i] = id
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, set, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis clean: %w", err)
	}
	return len(ids), nil
}

func (q *Queue) Claim(ctx context.Context, name string) (*queue.Job, error) {
	if err := q.recoverStalled(ctx, name); err != nil {
		applog.Warn("[Queue/Redis] Recover stalled jobs failed", "queue", name, "error", err)
	}
	now := q.now()
	lease := now.Add(q.lease)
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.listKey(name, "waiting"), q.listKey(name, "delayed"), q.listKey(name, "active"), q.listKey(name, "scores")},
		now.UnixMilli(), lease.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = queue.StateActive
	job.Attempts++
	started := now
	job.StartedAt = &started
	job.LeaseUntil = &lease
	job.AttemptLog = append(job.AttemptLog, queue.Attempt{Number: job.Attempts, StartedAt: now})
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// recoverStalled 租约过期的 active 任务计一次失败的尝试：次数未耗尽时按退避重新排队，否则置为 failed
func (q *Queue) recoverStalled(ctx context.Context, name string) error {
	now := q.now()
	ids, err := reapScript.Run(ctx, q.client,
		[]string{q.listKey(name, "active")},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("redis reap: %w", err)
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			q.client.ZRem(ctx, q.listKey(name, "active"), id)
			continue
		}
		if err != nil {
			return err
		}
		if job.State != queue.StateActive {
			q.client.ZRem(ctx, q.listKey(name, "active"), id)
			continue
		}
		updated, err := q.settleFailure(ctx, job, queue.StalledReason, true)
		if err != nil {
			return err
		}
		applog.Warn("[Queue/Redis] Recovered stalled job", "job_id", id, "job_type", job.Type, "attempts", job.Attempts, "state", updated.State)
	}
	return nil
}

func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	ok, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.listKey(job.Queue, "active")},
		jobID, q.now().Add(q.lease).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis heartbeat: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s is %s", queue.ErrJobNotOwned, jobID, job.State)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, jobID string, result any) error {
	job, err := q.active(ctx, jobID)
	if err != nil {
		return err
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		job.Result = raw
	}
	now := q.now()
	job.State = queue.StateCompleted
	job.Progress = 100
	job.FinishedAt = &now
	job.LeaseUntil = nil
	finishAttempt(job, now, "")
	return q.finish(ctx, job, "completed", now)
}

func (q *Queue) Fail(ctx context.Context, jobID string, reason string, retryable bool) (*queue.Job, error) {
	job, err := q.active(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return q.settleFailure(ctx, job, reason, retryable)
}

func (q *Queue) settleFailure(ctx context.Context, job *queue.Job, reason string, retryable bool) (*queue.Job, error) {
	now := q.now()
	job.FailureReason = reason
	job.LeaseUntil = nil
	finishAttempt(job, now, reason)

	if retryable && job.Attempts < job.MaxAttempts {
		job.State = queue.StateDelayed
		job.RunAt = now.Add(job.Backoff.Next(job.Attempts))
		job.StartedAt = nil
		if err := q.requeue(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	job.State = queue.StateFailed
	job.FinishedAt = &now
	if err := q.finish(ctx, job, "failed", now); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Postpone(ctx context.Context, jobID string, delay time.Duration, reason string) (*queue.Job, error) {
	job, err := q.active(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Attempts > 0 {
		job.Attempts--
	}
	if n := len(job.AttemptLog); n > 0 {
		job.AttemptLog = job.AttemptLog[:n-1]
	}
	job.Deferrals++
	job.FailureReason = reason
	job.State = queue.StateDelayed
	job.RunAt = q.now().Add(max(delay, 0))
	job.StartedAt = nil
	job.LeaseUntil = nil
	if err := q.requeue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// requeue active -> delayed
func (q *Queue) requeue(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZRem(ctx, q.listKey(job.Queue, "active"), job.ID)
	pipe.ZAdd(ctx, q.listKey(job.Queue, "delayed"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}
	return nil
}

func (q *Queue) SetProgress(ctx context.Context, jobID string, pct int) error {
	job, err := q.active(ctx, jobID)
	if err != nil {
		return err
	}
	job.Progress = min(max(pct, 0), 100)
	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := heartbeatScript.Run(ctx, q.client, []string{q.listKey(job.Queue, "active")}, job.ID, q.now().Add(q.lease).UnixMilli()).Err(); err != nil {
		applog.Warn("[Queue/Redis] Extend lease failed", "job_id", job.ID, "error", err)
	}
	evt, _ := json.Marshal(ProgressEvent{JobID: job.ID, Queue: job.Queue, Progress: job.Progress})
	if err := q.client.Publish(ctx, q.EventsChannel(), evt).Err(); err != nil {
		applog.Warn("[Queue/Redis] Publish progress failed", "job_id", job.ID, "error", err)
	}
	return nil
}

func (q *Queue) Checkpoint(ctx context.Context, jobID string, payload queue.Payload) error {
	job, err := q.active(ctx, jobID)
	if err != nil {
		return err
	}
	if payload == nil || payload.JobType() != job.Type {
		return fmt.Errorf("checkpoint %s: payload type mismatch", jobID)
	}
	job.Payload = payload
	return q.save(ctx, job)
}

// SubscribeProgress 订阅进度事件，ctx 结束时关闭返回的 channel
func (q *Queue) SubscribeProgress(ctx context.Context) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 16)
	sub := q.client.Subscribe(ctx, q.EventsChannel())
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (q *Queue) active(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != queue.StateActive {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrJobNotOwned, jobID, job.State)
	}
	return job, nil
}

func (q *Queue) save(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET job: %w", err)
	}
	return nil
}

func (q *Queue) finish(ctx context.Context, job *queue.Job, set string, now time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZRem(ctx, q.listKey(job.Queue, "active"), job.ID)
	pipe.HDel(ctx, q.listKey(job.Queue, "scores"), job.ID)
	pipe.ZAdd(ctx, q.listKey(job.Queue, set), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis finish job: %w", err)
	}
	if job.Key != "" {
		q.releaseKey(ctx, job)
	}
	return nil
}

func (q *Queue) releaseKey(ctx context.Context, job *queue.Job) {
	if err := releaseKeyScript.Run(ctx, q.client, []string{q.dedupKey(job.Key)}, job.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		applog.Warn("[Queue/Redis] Release job key failed", "job_key", job.Key, "error", err)
	}
}

func finishAttempt(job *queue.Job, now time.Time, reason string) {
	if n := len(job.AttemptLog); n > 0 {
		job.AttemptLog[n-1].FinishedAt = now
		job.AttemptLog[n-1].Error = reason
	}
}
