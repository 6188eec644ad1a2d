package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	applog "agentdesk/internal/platform/log"
)

// EmbeddingCache 查询向量缓存，键为 model + 文本的哈希
type EmbeddingCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewEmbeddingCache ttlSeconds <= 0 时默认 1 小时
func NewEmbeddingCache(rdb *redis.Client, ttlSeconds int) *EmbeddingCache {
	ttl := time.Hour
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &EmbeddingCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:embed:",
	}
}

type cachedEmbedding struct {
	Vector []float32 `json:"v"`
	Tokens int       `json:"t"`
}

// Get 命中返回向量和当时消耗的 token 数
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, int, bool) {
	key := c.cacheKey(model, text)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			applog.Warn("[RAG/EmbedCache] Get failed", "error", err)
		}
		return nil, 0, false
	}

	var entry cachedEmbedding
	if err := json.Unmarshal(data, &entry); err != nil || len(entry.Vector) == 0 {
		applog.Warn("[RAG/EmbedCache] Failed to unmarshal cached vector", "error", err)
		return nil, 0, false
	}
	applog.Debug("[RAG/EmbedCache] Hit", "key", key)
	return entry.Vector, entry.Tokens, true
}

func (c *EmbeddingCache) Set(ctx context.Context, model, text string, vector []float32, tokens int) {
	data, err := json.Marshal(cachedEmbedding{Vector: vector, Tokens: tokens})
	if err != nil {
		return
	}
	key := c.cacheKey(model, text)
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/EmbedCache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateModel 清空某个模型的缓存，换模型或改维度后使用
func (c *EmbeddingCache) InvalidateModel(ctx context.Context, model string) (int, error) {
	pattern := c.prefix + modelTag(model) + ":*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	applog.Info("[RAG/EmbedCache] Invalidated", "model", model, "keys_deleted", len(keys))
	return len(keys), nil
}

func (c *EmbeddingCache) cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "|" + text))
	return c.prefix + modelTag(model) + ":" + hex.EncodeToString(h[:16])
}

func modelTag(model string) string {
	h := sha256.Sum256([]byte(model))
	return hex.EncodeToString(h[:4])
}
