package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	Env         string            `json:"env"` // production | development
	LogLevel    string            `json:"log_level"`
	LogFormat   string            `json:"log_format"`
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Auth        AuthConfig        `json:"auth"`
	OpenAI      OpenAIConfig      `json:"openai"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	Ingestion   IngestionConfig   `json:"ingestion"`
	RAG         RAGConfig         `json:"rag"`
	Worker      WorkerConfig      `json:"worker"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey                     string  `json:"api_key"`
	BaseURL                    string  `json:"base_url"`
	ChatModel                  string  `json:"chat_model"`
	Temperature                float64 `json:"temperature"`
	MaxTokens                  int     `json:"max_tokens"`
	ConnectTimeoutSeconds      int     `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int     `json:"tls_handshake_timeout_seconds"`
	RequestTimeoutSeconds      int     `json:"request_timeout_seconds"`
}

type EmbeddingConfig struct {
	Model             string  `json:"model"`
	Dims              int     `json:"dims"`
	BatchSize         int     `json:"batch_size"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	MaxRetries        int     `json:"max_retries"`
	CacheTTLSeconds   int     `json:"cache_ttl_seconds"`
}

type VectorStoreConfig struct {
	Provider           string `json:"provider"` // qdrant | opensearch | memory
	CollectionPrefix   string `json:"collection_prefix"`
	QdrantURL          string `json:"qdrant_url"`
	QdrantAPIKey       string `json:"qdrant_api_key"`
	OpenSearchURL      string `json:"opensearch_url"`
	OpenSearchUsername string `json:"opensearch_username"`
	OpenSearchPassword string `json:"opensearch_password"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

type StorageConfig struct {
	Provider        string `json:"provider"` // gcs | gcs_emulator | local | memory
	Bucket          string `json:"bucket"`
	EmulatorHost    string `json:"emulator_host"`
	CredentialsFile string `json:"credentials_file"`
	LocalDir        string `json:"local_dir"`
	PublicBaseURL   string `json:"public_base_url"`
}

type QueueConfig struct {
	Backend                 string `json:"backend"` // redis | memory
	KeyPrefix               string `json:"key_prefix"`
	IngestionQueue          string `json:"ingestion_queue"`
	DeletionQueue           string `json:"deletion_queue"`
	MaxAttempts             int    `json:"max_attempts"`
	BackoffSeconds          int    `json:"backoff_seconds"`
	CompletedRetentionHours int    `json:"completed_retention_hours"`
	FailedRetentionHours    int    `json:"failed_retention_hours"`
	// LeaseSeconds worker 未续约超过该时长的任务会被重新排队
	LeaseSeconds int `json:"lease_seconds"`
}

type IngestionConfig struct {
	DedupPolicy           string `json:"dedup_policy"` // reprocess | skip
	ChunkSize             int    `json:"chunk_size"`
	ChunkOverlap          int    `json:"chunk_overlap"`
	MinChunkLength        int    `json:"min_chunk_length"`
	MaxChunkLength        int    `json:"max_chunk_length"`
	IndexBatchSize        int    `json:"index_batch_size"`
	MaxFileSizeMB         int    `json:"max_file_size_mb"`
	StageLockTTLSeconds   int    `json:"stage_lock_ttl_seconds"`
	ExtractTimeoutSeconds int    `json:"extract_timeout_seconds"`
}

type RAGConfig struct {
	DefaultTopK      int     `json:"default_top_k"`
	MaxTopK          int     `json:"max_top_k"`
	MinScore         float64 `json:"min_score"`
	MaxContextTokens int     `json:"max_context_tokens"`
	HistoryMessages  int     `json:"history_messages"`
	HistoryTTLHours  int     `json:"history_ttl_hours"`
	PreviewChars     int     `json:"preview_chars"`
}

type WorkerConfig struct {
	Enabled                bool `json:"enabled"`
	Concurrency            int  `json:"concurrency"`
	PollIntervalMs         int  `json:"poll_interval_ms"`
	JobTimeoutSeconds      int  `json:"job_timeout_seconds"`
	ShutdownTimeoutSeconds int  `json:"shutdown_timeout_seconds"`
	BatchDeleteConcurrency int  `json:"batch_delete_concurrency"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		Env:       "production",
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 120,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL:               "https://api.openai.com/v1",
			ChatModel:             "gpt-4o-mini",
			Temperature:           0.3,
			MaxTokens:             1024,
			RequestTimeoutSeconds: 120,
		},
		Embedding: EmbeddingConfig{
			Model:             "text-embedding-3-small",
			Dims:              1536,
			BatchSize:         64,
			RequestsPerSecond: 5,
			Burst:             2,
			MaxRetries:        3,
			CacheTTLSeconds:   3600,
		},
		VectorStore: VectorStoreConfig{
			Provider:         "qdrant",
			CollectionPrefix: "docs",
			QdrantURL:        "http://localhost:6333",
			TimeoutSeconds:   30,
		},
		Storage: StorageConfig{
			Provider: "local",
			LocalDir: "./data/uploads",
		},
		Queue: QueueConfig{
			Backend:                 "redis",
			KeyPrefix:               "agentdesk:queue",
			IngestionQueue:          "ingestion",
			DeletionQueue:           "deletion",
			MaxAttempts:             3,
			BackoffSeconds:          5,
			CompletedRetentionHours: 24,
			FailedRetentionHours:    24 * 7,
			LeaseSeconds:            120,
		},
		Ingestion: IngestionConfig{
			DedupPolicy:           "reprocess",
			ChunkSize:             1000,
			ChunkOverlap:          200,
			MinChunkLength:        50,
			MaxChunkLength:        1500,
			IndexBatchSize:        100,
			MaxFileSizeMB:         50,
			StageLockTTLSeconds:   600,
			ExtractTimeoutSeconds: 120,
		},
		RAG: RAGConfig{
			DefaultTopK:      5,
			MaxTopK:          20,
			MinScore:         0.3,
			MaxContextTokens: 3000,
			HistoryMessages:  10,
			HistoryTTLHours:  24,
			PreviewChars:     200,
		},
		Worker: WorkerConfig{
			Enabled:                true,
			Concurrency:            4,
			PollIntervalMs:         500,
			JobTimeoutSeconds:      600,
			ShutdownTimeoutSeconds: 30,
			BatchDeleteConcurrency: 4,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON 或 YAML）。
func Load() (*AppConfig, error) {
	// .env 非必需，忽略错误
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML 先转成通用结构再走 JSON tag，两种格式共用一套字段名
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return fmt.Errorf("convert APP_CONFIG_FILE %q failed: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("APP_ENV", &c.Env)
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyString("OPENAI_CHAT_MODEL", &c.OpenAI.ChatModel)
	applyFloat64("OPENAI_TEMPERATURE", &c.OpenAI.Temperature)
	applyInt("OPENAI_MAX_TOKENS", &c.OpenAI.MaxTokens)
	applyInt("OPENAI_CONNECT_TIMEOUT", &c.OpenAI.ConnectTimeoutSeconds)
	applyInt("OPENAI_TLS_HANDSHAKE_TIMEOUT", &c.OpenAI.TLSHandshakeTimeoutSeconds)
	applyInt("OPENAI_REQUEST_TIMEOUT", &c.OpenAI.RequestTimeoutSeconds)

	applyString("EMBEDDING_MODEL", &c.Embedding.Model)
	applyInt("EMBEDDING_DIMS", &c.Embedding.Dims)
	applyInt("EMBED_BATCH_SIZE", &c.Embedding.BatchSize)
	applyFloat64("EMBEDDING_RPS", &c.Embedding.RequestsPerSecond)
	applyInt("EMBEDDING_BURST", &c.Embedding.Burst)
	applyInt("EMBEDDING_MAX_RETRIES", &c.Embedding.MaxRetries)
	applyInt("EMBEDDING_CACHE_TTL", &c.Embedding.CacheTTLSeconds)

	applyString("VECTOR_STORE", &c.VectorStore.Provider)
	applyString("VECTOR_COLLECTION_PREFIX", &c.VectorStore.CollectionPrefix)
	applyString("QDRANT_URL", &c.VectorStore.QdrantURL)
	applyString("QDRANT_API_KEY", &c.VectorStore.QdrantAPIKey)
	applyString("OPENSEARCH_URL", &c.VectorStore.OpenSearchURL)
	applyString("OPENSEARCH_USERNAME", &c.VectorStore.OpenSearchUsername)
	applyString("OPENSEARCH_PASSWORD", &c.VectorStore.OpenSearchPassword)
	applyInt("VECTOR_STORE_TIMEOUT", &c.VectorStore.TimeoutSeconds)

	applyString("STORAGE_PROVIDER", &c.Storage.Provider)
	applyString("STORAGE_BUCKET", &c.Storage.Bucket)
	applyString("STORAGE_EMULATOR_HOST", &c.Storage.EmulatorHost)
	applyString("GOOGLE_APPLICATION_CREDENTIALS", &c.Storage.CredentialsFile)
	applyString("STORAGE_LOCAL_DIR", &c.Storage.LocalDir)
	applyString("STORAGE_PUBLIC_BASE_URL", &c.Storage.PublicBaseURL)

	applyString("QUEUE_BACKEND", &c.Queue.Backend)
	applyString("QUEUE_KEY_PREFIX", &c.Queue.KeyPrefix)
	applyString("QUEUE_INGESTION", &c.Queue.IngestionQueue)
	applyString("QUEUE_DELETION", &c.Queue.DeletionQueue)
	applyInt("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	applyInt("QUEUE_BACKOFF_SECONDS", &c.Queue.BackoffSeconds)
	applyInt("QUEUE_COMPLETED_RETENTION_HOURS", &c.Queue.CompletedRetentionHours)
	applyInt("QUEUE_FAILED_RETENTION_HOURS", &c.Queue.FailedRetentionHours)
	applyInt("QUEUE_LEASE_SECONDS", &c.Queue.LeaseSeconds)

	applyString("INGEST_DEDUP_POLICY", &c.Ingestion.DedupPolicy)
	applyInt("CHUNK_SIZE", &c.Ingestion.ChunkSize)
	applyInt("CHUNK_OVERLAP", &c.Ingestion.ChunkOverlap)
	applyInt("CHUNK_MIN_LENGTH", &c.Ingestion.MinChunkLength)
	applyInt("CHUNK_MAX_LENGTH", &c.Ingestion.MaxChunkLength)
	applyInt("INDEX_BATCH_SIZE", &c.Ingestion.IndexBatchSize)
	applyInt("MAX_FILE_SIZE_MB", &c.Ingestion.MaxFileSizeMB)
	applyInt("INGEST_STAGE_LOCK_TTL", &c.Ingestion.StageLockTTLSeconds)
	applyInt("EXTRACT_TIMEOUT", &c.Ingestion.ExtractTimeoutSeconds)

	applyInt("RAG_DEFAULT_TOP_K", &c.RAG.DefaultTopK)
	applyInt("RAG_MAX_TOP_K", &c.RAG.MaxTopK)
	applyFloat64("RAG_MIN_SCORE", &c.RAG.MinScore)
	applyInt("RAG_MAX_CONTEXT_TOKENS", &c.RAG.MaxContextTokens)
	applyInt("RAG_HISTORY_MESSAGES", &c.RAG.HistoryMessages)
	applyInt("RAG_HISTORY_TTL_HOURS", &c.RAG.HistoryTTLHours)

	applyBool("WORKER_ENABLED", &c.Worker.Enabled)
	applyInt("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	applyInt("WORKER_POLL_INTERVAL_MS", &c.Worker.PollIntervalMs)
	applyInt("WORKER_JOB_TIMEOUT", &c.Worker.JobTimeoutSeconds)
	applyInt("WORKER_SHUTDOWN_TIMEOUT", &c.Worker.ShutdownTimeoutSeconds)
	applyInt("BATCH_DELETE_CONCURRENCY", &c.Worker.BatchDeleteConcurrency)
}

func (c *AppConfig) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	c.VectorStore.Provider = strings.ToLower(c.VectorStore.Provider)
	c.Storage.Provider = strings.ToLower(c.Storage.Provider)
	c.Queue.Backend = strings.ToLower(c.Queue.Backend)
	c.Ingestion.DedupPolicy = strings.ToLower(strings.TrimSpace(c.Ingestion.DedupPolicy))
	if c.Ingestion.DedupPolicy == "" {
		c.Ingestion.DedupPolicy = "reprocess"
	}
	if c.RAG.MaxTopK <= 0 {
		c.RAG.MaxTopK = 20
	}
	if c.RAG.DefaultTopK <= 0 {
		c.RAG.DefaultTopK = 5
	}
	if c.RAG.DefaultTopK > c.RAG.MaxTopK {
		c.RAG.DefaultTopK = c.RAG.MaxTopK
	}
	c.RAG.MinScore = min(max(c.RAG.MinScore, 0), 1)
	// 开发模式下缺少 Redis 时退回内存队列
	if c.Development() && c.Redis.URL == "" && c.Queue.Backend == "redis" {
		c.Queue.Backend = "memory"
	}
}

func (c *AppConfig) validate() error {
	if !c.Development() && strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Queue.Backend == "redis" && strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	switch c.VectorStore.Provider {
	case "qdrant":
		if c.VectorStore.QdrantURL == "" {
			return fmt.Errorf("QDRANT_URL is required for vector store qdrant")
		}
	case "opensearch":
		if c.VectorStore.OpenSearchURL == "" {
			return fmt.Errorf("OPENSEARCH_URL is required for vector store opensearch")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown VECTOR_STORE %q", c.VectorStore.Provider)
	}
	switch c.Storage.Provider {
	case "gcs", "gcs_emulator":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for storage provider %s", c.Storage.Provider)
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("STORAGE_LOCAL_DIR is required for storage provider local")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.Storage.Provider)
	}
	switch c.Ingestion.DedupPolicy {
	case "reprocess", "skip":
	default:
		return fmt.Errorf("unknown INGEST_DEDUP_POLICY %q (want reprocess or skip)", c.Ingestion.DedupPolicy)
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}
	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("EMBEDDING_DIMS must be positive")
	}
	return nil
}

// Development 是否为开发模式
func (c *AppConfig) Development() bool {
	return c.Env == "development" || c.Env == "dev"
}

// Seconds 把秒数配置转为 Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
