package port

import "time"

// FileStatus 文件处理状态
type FileStatus string

const (
	FileStatusUploading  FileStatus = "uploading"
	FileStatusProcessing FileStatus = "processing" // 仅由显式重试写入
	FileStatusExtracting FileStatus = "extracting"
	FileStatusChunking   FileStatus = "chunking"
	FileStatusEmbedding  FileStatus = "embedding"
	FileStatusIndexing   FileStatus = "indexing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusError      FileStatus = "error"
)

// Rank 返回状态在流水线中的位置，error 为 -1。
// uploading 与 processing 同为起点。
func (s FileStatus) Rank() int {
	switch s {
	case FileStatusUploading, FileStatusProcessing:
		return 0
	case FileStatusExtracting:
		return 1
	case FileStatusChunking:
		return 2
	case FileStatusEmbedding:
		return 3
	case FileStatusIndexing:
		return 4
	case FileStatusCompleted:
		return 5
	default:
		return -1
	}
}

func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusError
}

// Stage 流水线阶段
type Stage string

const (
	StageExtract Stage = "extract"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
	StageIndex   Stage = "index"
)

// ErrorReason 文件失败子原因
type ErrorReason string

const (
	ReasonStorageDownloadFailed ErrorReason = "storage_download_failed"
	ReasonExtractionFailed      ErrorReason = "text_extraction_failed"
	ReasonChunkingFailed        ErrorReason = "chunking_failed"
	ReasonEmbeddingFailed       ErrorReason = "embedding_failed"
	ReasonIndexingFailed        ErrorReason = "qdrant_failed"
)

// ExtractionMeta 抽取阶段产出
type ExtractionMeta struct {
	Format        string    `json:"format,omitempty"`
	Pages         int       `json:"pages,omitempty"`
	Words         int       `json:"words"`
	Chars         int       `json:"chars"`
	LikelyScanned bool      `json:"likely_scanned,omitempty"`
	Unsupported   bool      `json:"unsupported,omitempty"`
	Failed        bool      `json:"failed,omitempty"`
	FailureDetail string    `json:"failure_detail,omitempty"`
	Title         string    `json:"title,omitempty"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ChunkingMeta 分块阶段产出
type ChunkingMeta struct {
	Strategy     string    `json:"strategy"`
	ChunkCount   int       `json:"chunk_count"`
	DroppedShort int       `json:"dropped_short,omitempty"`
	OverLimit    int       `json:"over_limit,omitempty"`
	AvgChars     int       `json:"avg_chars"`
	CompletedAt  time.Time `json:"completed_at"`
}

// EmbeddingMeta 向量化阶段产出
type EmbeddingMeta struct {
	Model       string    `json:"model"`
	Dims        int       `json:"dims"`
	Embedded    int       `json:"embedded"`
	Dropped     int       `json:"dropped,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	Warnings    []string  `json:"warnings,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// IndexingMeta 入库阶段产出
type IndexingMeta struct {
	Collection  string    `json:"collection"`
	VectorCount int       `json:"vector_count"`
	Batches     int       `json:"batches"`
	CompletedAt time.Time `json:"completed_at"`
}

// FileMetadata 各阶段元数据，按 key 合并写入（jsonb ||）。
type FileMetadata struct {
	Extraction *ExtractionMeta `json:"extraction,omitempty"`
	Chunking   *ChunkingMeta   `json:"chunking,omitempty"`
	Embedding  *EmbeddingMeta  `json:"embedding,omitempty"`
	Indexing   *IndexingMeta   `json:"indexing,omitempty"`
}

// Merge 用 patch 中非空的段覆盖当前值。
func (m *FileMetadata) Merge(patch *FileMetadata) {
	if patch == nil {
		return
	}
	if patch.Extraction != nil {
		m.Extraction = patch.Extraction
	}
	if patch.Chunking != nil {
		m.Chunking = patch.Chunking
	}
	if patch.Embedding != nil {
		m.Embedding = patch.Embedding
	}
	if patch.Indexing != nil {
		m.Indexing = patch.Indexing
	}
}

// File 上传文件登记
type File struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	AgentID      string       `json:"agent_id"`
	UploaderID   string       `json:"uploader_id,omitempty"`
	Name         string       `json:"name"`
	ContentType  string       `json:"content_type"`
	Size         int64        `json:"size"`
	ContentHash  string       `json:"content_hash"`
	StorageKey   string       `json:"storage_key"`
	StorageURL   string       `json:"storage_url,omitempty"`
	Status       FileStatus   `json:"status"`
	Metadata     FileMetadata `json:"metadata"`
	ErrorReason  ErrorReason  `json:"error_reason,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FailedStage  Stage        `json:"failed_stage,omitempty"`
	LastJobID    string       `json:"last_job_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// StatusUpdate 条件状态迁移：仅当当前状态属于 From 时写入。
type StatusUpdate struct {
	From         []FileStatus
	To           FileStatus
	Metadata     *FileMetadata
	ErrorReason  ErrorReason
	ErrorMessage string
	FailedStage  Stage
	LastJobID    string
}

// Allows 判断给定状态是否满足迁移前置条件。
func (u StatusUpdate) Allows(current FileStatus) bool {
	for _, s := range u.From {
		if s == current {
			return true
		}
	}
	return false
}

// ChatSession 对话会话
type ChatSession struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	AgentID      string    `json:"agent_id"`
	VisitorID    string    `json:"visitor_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MessageRole 消息角色
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// RAGSource 答案引用的片段
type RAGSource struct {
	ChunkID    string  `json:"chunk_id"`
	FileID     string  `json:"file_id"`
	FileName   string  `json:"file_name,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

// RAGMetadata 助手消息的检索溯源
type RAGMetadata struct {
	ChunksRetrieved  int         `json:"chunks_retrieved"`
	ChunksUsed       int         `json:"chunks_used"`
	Sources          []RAGSource `json:"sources,omitempty"`
	FallbackUsed     bool        `json:"fallback_used"`
	FallbackReason   string      `json:"fallback_reason,omitempty"`
	RetrievalError   string      `json:"retrieval_error,omitempty"`
	HistoryError     string      `json:"history_error,omitempty"`
	EmbeddingTokens  int         `json:"embedding_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Model            string      `json:"model,omitempty"`
	ElapsedMs        int64       `json:"elapsed_ms"`
}

// ChatMessage 会话消息
type ChatMessage struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Role       MessageRole  `json:"role"`
	Content    string       `json:"content"`
	TokensUsed int          `json:"tokens_used"`
	RAG        *RAGMetadata `json:"rag_metadata,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
