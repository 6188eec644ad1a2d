package queue

import (
	"context"
	"time"
)

// Queue 持久化任务队列。生产端与 worker 端共用一个接口，Redis 与内存实现语义一致。
type Queue interface {
	// Enqueue JobKey 命中等待或执行中的任务时直接返回已有任务
	Enqueue(ctx context.Context, queue string, payload Payload, opts EnqueueOptions) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	Stats(ctx context.Context, queue string) (*Stats, error)
	// Cancel 只能取消尚未开始执行的任务
	Cancel(ctx context.Context, jobID string) error
	// Clean 移除 finished 早于 now-olderThan 的终态任务
	Clean(ctx context.Context, queue string, state State, olderThan time.Duration) (int, error)

	// Claim 先回收租约过期的 active 任务，再取出最高优先级的就绪任务并置为 active，没有时返回 nil, nil
	Claim(ctx context.Context, queue string) (*Job, error)
	// Heartbeat 续约执行中的任务，任务已不在 active 时返回 ErrJobNotOwned
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result any) error
	// Fail 可重试且次数未耗尽时按退避重新排队，否则置为 failed，返回更新后的任务
	Fail(ctx context.Context, jobID string, reason string, retryable bool) (*Job, error)
	// Postpone 延后重新排队且不计入尝试次数
	Postpone(ctx context.Context, jobID string, delay time.Duration, reason string) (*Job, error)
	SetProgress(ctx context.Context, jobID string, pct int) error
	// Checkpoint 持久化执行中任务的载荷，重试时从这里继续
	Checkpoint(ctx context.Context, jobID string, payload Payload) error
}

// Enqueuer 生产端子集
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload Payload, opts EnqueueOptions) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Outcome 处理器的显式结果
type Outcome struct {
	Kind   OutcomeKind
	Result any
	Err    error
	// Delay 仅 OutcomeDeferred 使用，零值取任务的退避间隔
	Delay time.Duration
}

type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
	// OutcomeDeferred 资源暂时被占用，稍后再跑，不消耗尝试次数
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

func Ok(result any) Outcome     { return Outcome{Kind: OutcomeOk, Result: result} }
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }
func Fatal(err error) Outcome     { return Outcome{Kind: OutcomeFatal, Err: err} }

// Defer 延后执行，delay 为零时取任务的退避间隔
func Defer(err error, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeDeferred, Err: err, Delay: delay}
}

// Reason 失败原因文本
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
