package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	applog "agentdesk/internal/platform/log"
)

// StageLock 基于 SETNX 的文件阶段锁，同一文件同一时刻只有一个阶段任务在跑
type StageLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewStageLock(client *redis.Client, ttl time.Duration) *StageLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StageLock{client: client, ttl: ttl, prefix: "ingest:lock:"}
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Acquire 成功时返回释放函数；锁被占用时返回 ok=false
func (l *StageLock) Acquire(ctx context.Context, fileID string) (release func(), ok bool, err error) {
	key := l.prefix + fileID
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		applog.Warn("[StageLock] Failed to acquire lock", "file_id", fileID, "error", err)
		return nil, false, fmt.Errorf("redis SETNX: %w", err)
	}
	if !acquired {
		applog.Debug("[StageLock] Lock already held", "file_id", fileID)
		return nil, false, nil
	}

	applog.Debug("[StageLock] Lock acquired", "file_id", fileID)
	release = func() {
		// 独立的 ctx，任务超时后仍要释放
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			applog.Warn("[StageLock] Failed to release lock", "file_id", fileID, "error", err)
		}
	}
	return release, true, nil
}
