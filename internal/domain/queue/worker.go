package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	applog "agentdesk/internal/platform/log"
)

// Reporter 处理器向队列汇报进度和检查点
type Reporter interface {
	Progress(pct int)
	Checkpoint(payload Payload) error
}

// Handler 任务处理器
type Handler interface {
	Handle(ctx context.Context, job *Job, r Reporter) Outcome
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, job *Job, r Reporter) Outcome

func (f HandlerFunc) Handle(ctx context.Context, job *Job, r Reporter) Outcome {
	return f(ctx, job, r)
}

// Registry 任务类型 -> 处理器
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]Handler)}
}

func (r *Registry) Register(t JobType, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for job_type=%s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(t JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// WorkerConfig worker 配置
type WorkerConfig struct {
	Queues          []string
	Concurrency     int
	PollInterval    time.Duration
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
	// HeartbeatInterval 续约间隔，应明显小于队列租约
	HeartbeatInterval time.Duration
	// MaxDeferrals 超过后延后结果按可重试失败处理
	MaxDeferrals int
}

const DefaultMaxDeferrals = 120

// Worker 轮询队列并在有界协程池上执行任务
type Worker struct {
	q        Queue
	registry *Registry
	pool     *ants.Pool
	cfg      WorkerConfig
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	inner  sync.WaitGroup
}

func NewWorker(q Queue, registry *Registry, cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Queues) == 0 {
		return nil, errors.New("worker: no queues configured")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultLease / 4
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	log := applog.With("component", "JobWorker")
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(v any) {
		log.Error("Worker pool panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Worker{q: q, registry: registry, pool: pool, cfg: cfg, log: log}, nil
}

// Start 启动轮询循环，ctx 取消或 Stop 时退出
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.dispatch(ctx)
			}
		}
	}()
	w.log.Info("Worker started", "queues", w.cfg.Queues, "concurrency", w.cfg.Concurrency)
}

// Stop 停止领取新任务并等待执行中的任务结束
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	waited := make(chan struct{})
	go func() {
		w.inner.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(w.cfg.ShutdownTimeout):
		w.log.Warn("Worker shutdown timed out", "running", w.pool.Running())
	}
	w.pool.Release()
	w.log.Info("Worker stopped")
}

// dispatch 只在池有空位时领取任务，避免领取后排队
func (w *Worker) dispatch(ctx context.Context) {
	for _, name := range w.cfg.Queues {
		for w.pool.Free() > 0 {
			job, err := w.q.Claim(ctx, name)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn("Claim failed", "queue", name, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			w.inner.Add(1)
			claimed := job
			if err := w.pool.Submit(func() {
				defer w.inner.Done()
				w.Execute(context.WithoutCancel(ctx), claimed)
			}); err != nil {
				w.inner.Done()
				w.log.Warn("Submit failed, releasing job", "job_id", job.ID, "error", err)
				w.settle(ctx, job, Retryable(err))
			}
		}
	}
}

// Drain 在当前协程内依次执行所有就绪任务，直到队列为空。用于测试和一次性命令。
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		progressed := false
		for _, name := range w.cfg.Queues {
			job, err := w.q.Claim(ctx, name)
			if err != nil {
				return n, err
			}
			if job == nil {
				continue
			}
			w.Execute(ctx, job)
			n++
			progressed = true
		}
		if !progressed {
			return n, nil
		}
	}
}

// Execute 执行一个已领取的任务并把结果写回队列
func (w *Worker) Execute(ctx context.Context, job *Job) {
	start := time.Now()
	h, ok := w.registry.Get(job.Type)
	if !ok {
		w.log.Warn("No handler registered for job_type", "job_type", job.Type, "job_id", job.ID)
		w.settle(ctx, job, Fatal(fmt.Errorf("no handler registered for job_type=%s", job.Type)))
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, w.cfg.JobTimeout)
		defer cancel()
	}

	stopBeat := w.heartbeat(runCtx, job, cancelRun)
	outcome := w.invoke(runCtx, h, job)
	stopBeat()
	w.settle(ctx, job, outcome)
	w.log.Debug("Job finished",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"outcome", outcome.Kind.String(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic", "job_id", job.ID, "job_type", job.Type, "panic", r, "stack", string(debug.Stack()))
			out = Retryable(fmt.Errorf("panic: %v", r))
		}
	}()
	return h.Handle(ctx, job, &reporter{ctx: ctx, q: w.q, jobID: job.ID, log: w.log})
}

// heartbeat 在任务执行期间定期续约；任务已被回收时取消执行
func (w *Worker) heartbeat(ctx context.Context, job *Job, lost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.q.Heartbeat(ctx, job.ID)
				switch {
				case err == nil:
				case errors.Is(err, ErrJobNotOwned), errors.Is(err, ErrJobNotFound):
					w.log.Warn("Job lease lost, cancelling handler", "job_id", job.ID, "job_type", job.Type, "error", err)
					lost()
					return
				default:
					w.log.Warn("Heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (w *Worker) settle(ctx context.Context, job *Job, outcome Outcome) {
	if outcome.Kind == OutcomeDeferred && job.Deferrals >= w.cfg.MaxDeferrals {
		w.log.Warn("Job deferred too many times, counting as failure", "job_id", job.ID, "deferrals", job.Deferrals)
		outcome.Kind = OutcomeRetryable
	}
	switch outcome.Kind {
	case OutcomeOk:
		if err := w.q.Complete(ctx, job.ID, outcome.Result); err != nil {
			w.log.Error("Complete job failed", "job_id", job.ID, "error", err)
		}
	case OutcomeDeferred:
		delay := outcome.Delay
		if delay <= 0 {
			delay = job.Backoff.Delay
		}
		if _, err := w.q.Postpone(ctx, job.ID, delay, outcome.Reason()); err != nil {
			w.log.Error("Postpone job failed", "job_id", job.ID, "error", err)
			return
		}
		w.log.Debug("Job deferred", "job_id", job.ID, "job_type", job.Type, "delay", delay, "reason", outcome.Reason())
	default:
		retryable := outcome.Kind == OutcomeRetryable
		updated, err := w.q.Fail(ctx, job.ID, outcome.Reason(), retryable)
		if err != nil {
			w.log.Error("Fail job failed", "job_id", job.ID, "error", err)
			return
		}
		if updated.State == StateFailed {
			w.log.Warn("Job failed", "job_id", job.ID, "job_type", job.Type, "attempts", updated.Attempts, "reason", outcome.Reason())
		}
	}
}

type reporter struct {
	ctx   context.Context
	q     Queue
	jobID string
	log   *slog.Logger
	last  int
}

func (r *reporter) Progress(pct int) {
	pct = clampProgress(pct)
	if pct < r.last {
		return
	}
	r.last = pct
	if err := r.q.SetProgress(r.ctx, r.jobID, pct); err != nil {
		r.log.Warn("Set progress failed", "job_id", r.jobID, "error", err)
	}
}

func (r *reporter) Checkpoint(payload Payload) error {
	return r.q.Checkpoint(r.ctx, r.jobID, payload)
}
