package queue

import (
	"context"
	"log/slog"
	"time"

	applog "agentdesk/internal/platform/log"
)

// CleanerConfig 终态任务保留时长，0 表示不清理该状态
type CleanerConfig struct {
	Queues             []string
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	Interval           time.Duration
}

// Cleaner 定期移除过期的终态任务
type Cleaner struct {
	q   Queue
	cfg CleanerConfig
	log *slog.Logger
}

func NewCleaner(q Queue, cfg CleanerConfig) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Cleaner{q: q, cfg: cfg, log: applog.With("component", "QueueCleaner")}
}

// RunOnce 清理一轮，返回移除的任务数。单个队列失败不影响其余队列。
func (c *Cleaner) RunOnce(ctx context.Context) int {
	total := 0
	for _, name := range c.cfg.Queues {
		for state, keep := range map[State]time.Duration{
			StateCompleted: c.cfg.CompletedRetention,
			StateFailed:    c.cfg.FailedRetention,
		} {
			if keep <= 0 {
				continue
			}
			n, err := c.q.Clean(ctx, name, state, keep)
			if err != nil {
				c.log.Warn("Clean failed", "queue", name, "state", state, "error", err)
				continue
			}
			total += n
		}
	}
	if total > 0 {
		c.log.Info("Expired jobs removed", "removed", total)
	}
	return total
}

// Run 按间隔清理直到 ctx 结束
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}
