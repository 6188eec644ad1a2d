package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/domain/port"
)

func TestTransitionFileOnlyFromAllowedStates(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	f := &port.File{TenantID: "t1", AgentID: "a1", Name: "x.txt"}
	require.NoError(t, repo.CreateFile(ctx, f))

	ok, err := repo.TransitionFile(ctx, f.ID, port.StatusUpdate{
		From: []port.FileStatus{port.FileStatusChunking},
		To:   port.FileStatusEmbedding,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.TransitionFile(ctx, f.ID, port.StatusUpdate{
		From:     []port.FileStatus{port.FileStatusUploading},
		To:       port.FileStatusExtracting,
		Metadata: &port.FileMetadata{Extraction: &port.ExtractionMeta{Words: 2}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, port.FileStatusExtracting, got.Status)
	assert.Equal(t, 2, got.Metadata.Extraction.Words)

	other, err := repo.GetFile(port.WithTenantScope(ctx, "t2"), f.ID)
	require.NoError(t, err)
	assert.Nil(t, other, "tenant scope hides foreign files")
}

func TestVectorStoreQueryAndDelete(t *testing.T) {
	s := NewVectorStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "c", []port.VectorRecord{
		{ID: "1", Vector: []float32{1, 0}, Payload: port.VectorPayload{TenantID: "t", AgentID: "a", FileID: "f1"}},
		{ID: "2", Vector: []float32{0.7, 0.7}, Payload: port.VectorPayload{TenantID: "t", AgentID: "a", FileID: "f2"}},
		{ID: "3", Vector: []float32{0, 1}, Payload: port.VectorPayload{TenantID: "t", AgentID: "b", FileID: "f3"}},
	}))

	matches, err := s.Query(ctx, "c", []float32{1, 0}, 5, port.VectorFilter{AgentID: "a"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "1", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	require.NoError(t, s.DeleteByFilter(ctx, "c", port.VectorFilter{FileID: "f1"}))
	assert.Zero(t, s.Count("c", port.VectorFilter{FileID: "f1"}))
	assert.Equal(t, 2, s.Count("c", port.VectorFilter{}))
	assert.Error(t, s.DeleteByFilter(ctx, "c", port.VectorFilter{}))
}

func TestObjectStoreDeleteMissingIsNoop(t *testing.T) {
	s := NewObjectStore()
	ctx := context.Background()
	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, port.ErrObjectNotFound)
	assert.NoError(t, s.Delete(ctx, "nope"))
}
