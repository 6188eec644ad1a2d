package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

// ErrHistoryVersionConflict 并发追加时版本不一致
var ErrHistoryVersionConflict = errors.New("history version conflict")

// History Redis Hash 保存的会话近期消息，数据库之外的热缓存
type History struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	maxLen    int
}

type HistoryConfig struct {
	Client    *redis.Client
	KeyPrefix string        // 默认 "chat:history:"
	TTL       time.Duration // 默认 24h
	MaxLen    int           // 保留的最大消息数，默认 50
}

func NewHistory(cfg HistoryConfig) *History {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat:history:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 50
	}
	return &History{client: cfg.Client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL, maxLen: cfg.MaxLen}
}

func (h *History) key(sessionID string) string {
	return h.keyPrefix + sessionID
}

// Load 返回最近 limit 条消息；ok=false 表示缓存里没有该会话
func (h *History) Load(ctx context.Context, sessionID string, limit int) ([]*port.ChatMessage, bool, error) {
	msgs, _, found, err := h.load(ctx, h.client, sessionID)
	if err != nil || !found {
		return nil, found, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, true, nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (h *History) load(ctx context.Context, c hashGetter, sessionID string) ([]*port.ChatMessage, int64, bool, error) {
	vals, err := c.HGetAll(ctx, h.key(sessionID)).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis HGETALL: %w", err)
	}
	if len(vals) == 0 {
		return nil, 0, false, nil
	}
	var msgs []*port.ChatMessage
	if raw := vals["messages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			applog.Warn("[History/Redis] Failed to parse messages", "session_id", sessionID, "error", err)
			msgs = nil
		}
	}
	var version int64
	if raw := vals["version"]; raw != "" {
		_, _ = fmt.Sscan(raw, &version)
	}
	return msgs, version, true, nil
}

// Append 以版本号做 CAS 追加，冲突时重试
func (h *History) Append(ctx context.Context, sessionID string, msgs ...*port.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	key := h.key(sessionID)

	const maxRetry = 5
	for attempt := 1; attempt <= maxRetry; attempt++ {
		err := h.client.Watch(ctx, func(tx *redis.Tx) error {
			current, version, _, err := h.load(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			current = append(current, msgs...)
			if len(current) > h.maxLen {
				current = current[len(current)-h.maxLen:]
			}
			data, err := json.Marshal(current)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "messages", string(data), "version", version+1)
				pipe.Expire(ctx, key, h.ttl)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			applog.Warn("[History/Redis] Append version conflict, retrying",
				"session_id", sessionID,
				"attempt", attempt,
			)
		default:
			return fmt.Errorf("redis history append: %w", err)
		}
	}
	return fmt.Errorf("append failed after retries: %w", ErrHistoryVersionConflict)
}

func (h *History) Clear(ctx context.Context, sessionID string) error {
	return h.client.Del(ctx, h.key(sessionID)).Err()
}
