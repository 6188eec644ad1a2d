package port

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore 原始文件存储
type ObjectStore interface {
	// Put 写入对象并返回可访问地址
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete 对象不存在时返回 nil
	Delete(ctx context.Context, key string) error
}

// VectorPayload 向量记录携带的元数据，file_id 是删除句柄。
type VectorPayload struct {
	TenantID    string `json:"tenant_id"`
	AgentID     string `json:"agent_id"`
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name,omitempty"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
}

// VectorRecord 待写入的向量
type VectorRecord struct {
	ID      string
	Vector  []float32
	Payload VectorPayload
}

// VectorFilter 等值过滤，空字段忽略。
type VectorFilter struct {
	TenantID string
	AgentID  string
	FileID   string
}

// Fields 返回非空过滤字段（payload key -> value）。
func (f VectorFilter) Fields() map[string]string {
	out := make(map[string]string, 3)
	if f.TenantID != "" {
		out["tenant_id"] = f.TenantID
	}
	if f.AgentID != "" {
		out["agent_id"] = f.AgentID
	}
	if f.FileID != "" {
		out["file_id"] = f.FileID
	}
	return out
}

// Matches 判断 payload 是否满足过滤条件。
func (f VectorFilter) Matches(p VectorPayload) bool {
	if f.TenantID != "" && p.TenantID != f.TenantID {
		return false
	}
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.FileID != "" && p.FileID != f.FileID {
		return false
	}
	return true
}

// VectorMatch 相似度检索结果
type VectorMatch struct {
	ID      string
	Score   float64
	Payload VectorPayload
}

// VectorStore 外部向量库
type VectorStore interface {
	Upsert(ctx context.Context, collection string, records []VectorRecord) error
	// Query 按相似度降序返回；集合不存在时返回空结果
	Query(ctx context.Context, collection string, vector []float32, topK int, filter VectorFilter) ([]VectorMatch, error)
	// DeleteByFilter 集合不存在时返回 nil
	DeleteByFilter(ctx context.Context, collection string, filter VectorFilter) error
}

var reCollectionUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// CollectionName 每个租户一个集合：<prefix>_<tenant>。写入、查询、删除共用。
func CollectionName(prefix, tenantID string) string {
	tenant := reCollectionUnsafe.ReplaceAllString(strings.TrimSpace(tenantID), "_")
	if prefix == "" {
		return "tenant_" + tenant
	}
	return prefix + "_" + tenant
}

// EmbeddingResult 向量化结果
type EmbeddingResult struct {
	Vectors    [][]float32
	TokensUsed int
}

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*EmbeddingResult, error)
	Model() string
	Dims() int
}

// FileLocker 文件级互斥，同一文件同一时刻只允许一个摄取阶段或删除任务写入。
// ok 为 false 表示锁被占用。
type FileLocker interface {
	Acquire(ctx context.Context, fileID string) (release func(), ok bool, err error)
}
