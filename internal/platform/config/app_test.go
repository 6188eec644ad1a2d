package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://file
redis:
  url: redis://file
ingestion:
  dedup_policy: SKIP
  chunk_size: 800
rag:
  min_score: 1.7
`), 0o600))

	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://env")
	t.Setenv("CHUNK_OVERLAP", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file", cfg.Database.URL)
	assert.Equal(t, "redis://env", cfg.Redis.URL)
	assert.Equal(t, "skip", cfg.Ingestion.DedupPolicy)
	assert.Equal(t, 800, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 100, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 1.0, cfg.RAG.MinScore)
	assert.Equal(t, 64, cfg.Embedding.BatchSize, "untouched defaults survive")
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"database":{"url":"postgres://json"},"redis":{"url":"redis://json"},"vector_store":{"provider":"OpenSearch","opensearch_url":"http://os:9200"}}`), 0o600))
	t.Setenv("APP_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "opensearch", cfg.VectorStore.Provider)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"missing database", func(c *AppConfig) { c.Database.URL = "" }},
		{"missing redis", func(c *AppConfig) { c.Redis.URL = "" }},
		{"unknown dedup", func(c *AppConfig) { c.Ingestion.DedupPolicy = "merge" }},
		{"overlap too large", func(c *AppConfig) { c.Ingestion.ChunkOverlap = c.Ingestion.ChunkSize }},
		{"gcs without bucket", func(c *AppConfig) { c.Storage.Provider = "gcs" }},
		{"unknown vector store", func(c *AppConfig) { c.VectorStore.Provider = "pinecone" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.URL = "postgres://x"
			cfg.Redis.URL = "redis://x"
			tt.mutate(cfg)
			cfg.normalize()
			assert.Error(t, cfg.validate())
		})
	}
}

func TestDevelopmentFallsBackToMemoryQueue(t *testing.T) {
	cfg := Default()
	cfg.Env = "development"
	cfg.normalize()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "memory", cfg.Queue.Backend)
}
