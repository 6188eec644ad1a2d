package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memdb "agentdesk/internal/db/memory"
	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/ingestion"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  func(texts []string) error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) (*port.EmbeddingResult, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()
	if fail != nil {
		if err := fail(texts); err != nil {
			return nil, err
		}
	}
	out := &port.EmbeddingResult{TokensUsed: len(texts) * 10}
	for _, t := range texts {
		out.Vectors = append(out.Vectors, []float32{float32(len(t)%13) + 1, 1, 0.5, float32(strings.Count(t, " ")%5) + 0.1})
	}
	return out, nil
}

func (e *fakeEmbedder) setFail(fn func(texts []string) error) {
	e.mu.Lock()
	e.fail = fn
	e.mu.Unlock()
}

func (e *fakeEmbedder) Model() string { return "test-embed" }
func (e *fakeEmbedder) Dims() int     { return 4 }

// hookedVectors 在 Upsert 前后插入测试逻辑
type hookedVectors struct {
	*memdb.VectorStore
	mu        sync.Mutex
	upserts   int
	failOn    int
	afterEach func()
}

func (v *hookedVectors) Upsert(ctx context.Context, collection string, records []port.VectorRecord) error {
	v.mu.Lock()
	v.upserts++
	n := v.upserts
	v.mu.Unlock()
	if v.failOn > 0 && n == v.failOn {
		return port.Transient("upsert", errors.New("connection reset"))
	}
	if err := v.VectorStore.Upsert(ctx, collection, records); err != nil {
		return err
	}
	if v.afterEach != nil {
		v.afterEach()
	}
	return nil
}

type busyLock struct{}

func (busyLock) Acquire(context.Context, string) (func(), bool, error) { return nil, false, nil }

type env struct {
	repo    *memdb.Repository
	objects *memdb.ObjectStore
	vectors *hookedVectors
	emb     *fakeEmbedder
	q       *queue.MemoryQueue
	worker  *queue.Worker
	pipe    *ingestion.Pipeline
}

func newEnv(t *testing.T, tweak func(cfg *ingestion.Config, deps *ingestion.Deps)) *env {
	t.Helper()
	e := &env{
		repo:    memdb.NewRepository(),
		objects: memdb.NewObjectStore(),
		vectors: &hookedVectors{VectorStore: memdb.NewVectorStore()},
		emb:     &fakeEmbedder{},
		q:       queue.NewMemoryQueue(),
	}
	cfg := ingestion.Config{
		Queue:            "ingestion",
		EmbedBatchSize:   4,
		EmbedMaxTries:    2,
		EmbedBackoffBase: time.Millisecond,
		IndexBatchSize:   3,
	}
	deps := ingestion.Deps{
		Files:    e.repo,
		Objects:  e.objects,
		Vectors:  e.vectors,
		Embedder: e.emb,
		Queue:    e.q,
		Chunker:  chunking.NewEngine(chunking.Options{ChunkSize: 400, ChunkOverlap: 50}),
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}
	pipe, err := ingestion.NewPipeline(cfg, deps)
	require.NoError(t, err)

	reg := queue.NewRegistry()
	require.NoError(t, pipe.Register(reg))
	w, err := queue.NewWorker(e.q, reg, queue.WorkerConfig{Queues: []string{"ingestion"}, Concurrency: 1})
	require.NoError(t, err)
	e.pipe, e.worker = pipe, w
	return e
}

// step 执行一个就绪任务，返回执行的任务类型
func (e *env) step(t *testing.T) queue.JobType {
	t.Helper()
	job, err := e.q.Claim(context.Background(), "ingestion")
	require.NoError(t, err)
	require.NotNil(t, job, "expected a ready job")
	e.worker.Execute(context.Background(), job)
	return job.Type
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	_, err := e.worker.Drain(context.Background())
	require.NoError(t, err)
}

func (e *env) file(t *testing.T, id string) *port.File {
	t.Helper()
	f, err := e.repo.GetFile(context.Background(), id)
	require.NoError(t, err)
	return f
}

func threePages() []byte {
	var b strings.Builder
	for page := 1; page <= 3; page++ {
		fmt.Fprintf(&b, "Page %d\n\n", page)
		for para := 1; para <= 4; para++ {
			fmt.Fprintf(&b, "Our agency offers service number %d.%d. We design websites, run marketing campaigns and support customers every day of the week. ", page, para)
			b.WriteString("Pricing depends on the scope of the project and is agreed before work starts.\n\n")
		}
	}
	return []byte(b.String())
}

func upload(name string, data []byte) ingestion.UploadRequest {
	return ingestion.UploadRequest{
		TenantID:    "t1",
		AgentID:     "a1",
		UploaderID:  "u1",
		FileName:    name,
		ContentType: "text/plain",
		Data:        data,
	}
}

func TestThreePageFileReachesCompleted(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.Equal(t, port.FileStatusUploading, res.File.Status)
	assert.True(t, e.objects.Exists(res.File.StorageKey))

	e.drain(t)

	f := e.file(t, res.File.ID)
	require.Equal(t, port.FileStatusCompleted, f.Status, f.ErrorMessage)
	require.NotNil(t, f.Metadata.Extraction)
	require.NotNil(t, f.Metadata.Chunking)
	require.NotNil(t, f.Metadata.Embedding)
	require.NotNil(t, f.Metadata.Indexing)

	chunks := f.Metadata.Chunking.ChunkCount
	assert.Greater(t, chunks, 1)
	assert.Equal(t, chunks, f.Metadata.Embedding.Embedded)
	assert.Equal(t, chunks, f.Metadata.Indexing.VectorCount)
	assert.Equal(t, chunks, e.vectors.Count("docs_t1", port.VectorFilter{FileID: f.ID}))
	assert.Equal(t, "test-embed", f.Metadata.Embedding.Model)

	stats, err := e.q.Stats(ctx, "ingestion")
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Completed)
	assert.EqualValues(t, 0, stats.Failed)
}

func TestStatusAdvancesOneStagePerJob(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.pipe.Accept(context.Background(), upload("services.txt", threePages()))
	require.NoError(t, err)

	want := []struct {
		job    queue.JobType
		status port.FileStatus
	}{
		{queue.JobExtractText, port.FileStatusChunking},
		{queue.JobChunkText, port.FileStatusEmbedding},
		{queue.JobGenerateEmbeddings, port.FileStatusIndexing},
		{queue.JobStoreVectors, port.FileStatusCompleted},
	}
	prev := port.FileStatusUploading.Rank()
	for _, w := range want {
		assert.Equal(t, w.job, e.step(t))
		f := e.file(t, res.File.ID)
		assert.Equal(t, w.status, f.Status)
		assert.Greater(t, f.Status.Rank(), prev)
		prev = f.Status.Rank()
	}
}

func TestLateStageJobNeverRegressesStatus(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)
	require.Equal(t, port.FileStatusCompleted, e.file(t, res.File.ID).Status)

	ref := queue.FileRef{FileID: res.File.ID, TenantID: "t1", AgentID: "a1"}
	stale, err := e.q.Enqueue(ctx, "ingestion", queue.ChunkTextPayload{FileRef: ref, Text: "late text"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	e.drain(t)

	assert.Equal(t, port.FileStatusCompleted, e.file(t, res.File.ID).Status)
	got, err := e.q.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Contains(t, string(got.Result), `"skipped":true`)
}

func TestDuplicateStageFailureLeavesHandedOffFile(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)
	require.Equal(t, queue.JobExtractText, e.step(t))
	f := e.file(t, res.File.ID)
	require.Equal(t, port.FileStatusChunking, f.Status)
	require.NotEqual(t, res.JobID, f.LastJobID)

	// 同一文件的重复抽取任务在最后一次尝试时失败
	ref := queue.FileRef{FileID: res.File.ID, TenantID: "t1", AgentID: "a1"}
	dup, err := e.q.Enqueue(ctx, "ingestion", queue.ExtractTextPayload{
		FileRef:     ref,
		StorageKey:  "t1/a1/gone.txt",
		FileName:    "services.txt",
		ContentType: "text/plain",
	}, queue.EnqueueOptions{Priority: queue.PriorityUrgent, MaxAttempts: 1})
	require.NoError(t, err)
	require.Equal(t, queue.JobExtractText, e.step(t))

	got, err := e.q.Get(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, got.State)
	f = e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusChunking, f.Status)
	assert.Empty(t, f.ErrorReason)

	e.drain(t)
	assert.Equal(t, port.FileStatusCompleted, e.file(t, res.File.ID).Status)
}

func TestIndexRetryIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	// 第二批写入失败，此时第一批已落库
	e.vectors.failOn = 2

	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)

	f := e.file(t, res.File.ID)
	require.Equal(t, port.FileStatusIndexing, f.Status, "transient failure leaves the file in its stage")
	partial := e.vectors.Count("docs_t1", port.VectorFilter{FileID: f.ID})
	assert.Equal(t, 3, partial)

	e.q.Advance()
	e.drain(t)

	f = e.file(t, res.File.ID)
	require.Equal(t, port.FileStatusCompleted, f.Status)
	assert.Equal(t, f.Metadata.Chunking.ChunkCount, e.vectors.Count("docs_t1", port.VectorFilter{FileID: f.ID}))
}

func TestVectorIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ingestion.VectorID("f1", 3), ingestion.VectorID("f1", 3))
	assert.NotEqual(t, ingestion.VectorID("f1", 3), ingestion.VectorID("f1", 4))
	assert.NotEqual(t, ingestion.VectorID("f1", 3), ingestion.VectorID("f2", 3))
}

func TestFileDeletedBeforeIndexLeavesNoVectors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)

	e.step(t)
	e.step(t)
	e.step(t)
	require.Equal(t, port.FileStatusIndexing, e.file(t, res.File.ID).Status)

	_, err = e.repo.DeleteFile(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStoreVectors, e.step(t))
	assert.Zero(t, e.vectors.Count("docs_t1", port.VectorFilter{FileID: res.File.ID}))
}

func TestFileDeletedDuringIndexRemovesWrittenVectors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("services.txt", threePages()))
	require.NoError(t, err)
	e.vectors.afterEach = func() {
		_, _ = e.repo.DeleteFile(ctx, res.File.ID)
	}

	e.drain(t)

	assert.Nil(t, e.file(t, res.File.ID))
	assert.Zero(t, e.vectors.Count("docs_t1", port.VectorFilter{FileID: res.File.ID}))
}

func TestDedupPolicy(t *testing.T) {
	data := threePages()

	t.Run("reprocess creates a new file", func(t *testing.T) {
		e := newEnv(t, nil)
		first, err := e.pipe.Accept(context.Background(), upload("a.txt", data))
		require.NoError(t, err)
		e.drain(t)

		second, err := e.pipe.Accept(context.Background(), upload("a.txt", data))
		require.NoError(t, err)
		assert.False(t, second.Deduplicated)
		assert.NotEqual(t, first.File.ID, second.File.ID)
		assert.Equal(t, first.File.ContentHash, second.File.ContentHash)
		e.drain(t)
		assert.Equal(t, port.FileStatusCompleted, e.file(t, second.File.ID).Status)
	})

	t.Run("skip returns the completed file", func(t *testing.T) {
		e := newEnv(t, func(cfg *ingestion.Config, _ *ingestion.Deps) { cfg.DedupPolicy = ingestion.DedupSkip })
		first, err := e.pipe.Accept(context.Background(), upload("a.txt", data))
		require.NoError(t, err)
		e.drain(t)
		calls := e.emb.calls

		second, err := e.pipe.Accept(context.Background(), upload("copy.txt", data))
		require.NoError(t, err)
		assert.True(t, second.Deduplicated)
		assert.Equal(t, first.File.ID, second.File.ID)
		assert.Empty(t, second.JobID)
		e.drain(t)
		assert.Equal(t, calls, e.emb.calls, "no re-embedding")
	})

	t.Run("skip ignores files still in progress", func(t *testing.T) {
		e := newEnv(t, func(cfg *ingestion.Config, _ *ingestion.Deps) { cfg.DedupPolicy = ingestion.DedupSkip })
		first, err := e.pipe.Accept(context.Background(), upload("a.txt", data))
		require.NoError(t, err)
		second, err := e.pipe.Accept(context.Background(), upload("a.txt", data))
		require.NoError(t, err)
		assert.False(t, second.Deduplicated)
		assert.NotEqual(t, first.File.ID, second.File.ID)
	})
}

func TestParseDedupPolicy(t *testing.T) {
	p, err := ingestion.ParseDedupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ingestion.DedupReprocess, p)
	p, err = ingestion.ParseDedupPolicy(" Skip ")
	require.NoError(t, err)
	assert.Equal(t, ingestion.DedupSkip, p)
	_, err = ingestion.ParseDedupPolicy("merge")
	assert.Error(t, err)
}

func TestAcceptValidation(t *testing.T) {
	e := newEnv(t, func(cfg *ingestion.Config, _ *ingestion.Deps) { cfg.MaxFileSize = 10 })
	ctx := context.Background()

	_, err := e.pipe.Accept(ctx, upload("a.txt", nil))
	assert.ErrorIs(t, err, ingestion.ErrEmptyFile)

	_, err = e.pipe.Accept(ctx, upload("a.txt", []byte("more than ten bytes")))
	assert.ErrorIs(t, err, ingestion.ErrFileTooLarge)

	req := upload("a.txt", []byte("hi"))
	req.AgentID = ""
	_, err = e.pipe.Accept(ctx, req)
	assert.ErrorIs(t, err, ingestion.ErrMissingTenant)
}

func TestUnsupportedFormatFailsExtraction(t *testing.T) {
	e := newEnv(t, nil)
	req := upload("archive.bin", []byte{0x01, 0x02, 0x03})
	req.ContentType = "application/octet-stream"
	res, err := e.pipe.Accept(context.Background(), req)
	require.NoError(t, err)
	e.drain(t)

	f := e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusError, f.Status)
	assert.Equal(t, port.ReasonExtractionFailed, f.ErrorReason)
	assert.Equal(t, port.StageExtract, f.FailedStage)
	require.NotNil(t, f.Metadata.Extraction)
	assert.True(t, f.Metadata.Extraction.Unsupported)
	assert.Nil(t, f.Metadata.Chunking)
}

func TestMissingObjectFailsDownload(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("a.txt", threePages()))
	require.NoError(t, err)
	require.NoError(t, e.objects.Delete(ctx, res.File.StorageKey))

	e.drain(t)
	f := e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusError, f.Status)
	assert.Equal(t, port.ReasonStorageDownloadFailed, f.ErrorReason)

	job, err := e.q.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts, "not found is not retried")
}

func TestEmbeddingDropsChunksThatKeepFailing(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.emb.setFail(func(texts []string) error {
		for _, text := range texts {
			if strings.Contains(text, "service number 2.2") {
				if len(texts) > 1 {
					return port.Transient("embed", errors.New("503"))
				}
				return port.DataError("embed", errors.New("400 invalid input"))
			}
		}
		return nil
	})

	res, err := e.pipe.Accept(ctx, upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)

	f := e.file(t, res.File.ID)
	require.Equal(t, port.FileStatusCompleted, f.Status, f.ErrorMessage)
	emb := f.Metadata.Embedding
	require.NotNil(t, emb)
	assert.GreaterOrEqual(t, emb.Dropped, 1)
	assert.Equal(t, f.Metadata.Chunking.ChunkCount-emb.Dropped, emb.Embedded)
	assert.Positive(t, emb.Embedded)
	require.Len(t, emb.Warnings, emb.Dropped)
	assert.Contains(t, emb.Warnings[0], "dropped")
	assert.Equal(t, emb.Embedded, e.vectors.Count("docs_t1", port.VectorFilter{FileID: f.ID}))
}

func TestEmbeddingConfigErrorFailsImmediately(t *testing.T) {
	e := newEnv(t, nil)
	e.emb.setFail(func([]string) error { return port.ConfigError("embed", errors.New("401 invalid api key")) })

	res, err := e.pipe.Accept(context.Background(), upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)

	f := e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusError, f.Status)
	assert.Equal(t, port.ReasonEmbeddingFailed, f.ErrorReason)
	assert.Equal(t, port.StageEmbed, f.FailedStage)
	assert.Equal(t, 1, e.emb.calls, "config errors skip backoff and per-chunk fallback")
}

func TestTransientFailureMarksErrorOnlyOnLastAttempt(t *testing.T) {
	e := newEnv(t, func(cfg *ingestion.Config, _ *ingestion.Deps) { cfg.MaxAttempts = 2 })
	e.emb.setFail(func([]string) error { return port.Transient("embed", errors.New("503")) })

	res, err := e.pipe.Accept(context.Background(), upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)
	assert.Equal(t, port.FileStatusEmbedding, e.file(t, res.File.ID).Status)

	e.q.Advance()
	e.drain(t)
	f := e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusError, f.Status)
	assert.Equal(t, port.ReasonEmbeddingFailed, f.ErrorReason)
}

func TestRetryResumesFromFailedStage(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.emb.setFail(func([]string) error { return port.DataError("embed", errors.New("400")) })

	res, err := e.pipe.Accept(ctx, upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)
	require.Equal(t, port.FileStatusError, e.file(t, res.File.ID).Status)

	e.emb.setFail(nil)
	job, err := e.pipe.Retry(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobGenerateEmbeddings, job.Type)

	f := e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusProcessing, f.Status)
	assert.Empty(t, f.ErrorReason)

	e.drain(t)
	f = e.file(t, res.File.ID)
	assert.Equal(t, port.FileStatusCompleted, f.Status)
	assert.Equal(t, f.Metadata.Chunking.ChunkCount, e.vectors.Count("docs_t1", port.VectorFilter{FileID: f.ID}))

	_, err = e.pipe.Retry(ctx, res.File.ID)
	assert.ErrorIs(t, err, ingestion.ErrNotRetryable)
	_, err = e.pipe.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ingestion.ErrFileNotFound)
}

func TestRetryRestartsAtExtractWhenFailedJobWasCleaned(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.emb.setFail(func([]string) error { return port.DataError("embed", errors.New("400")) })
	res, err := e.pipe.Accept(ctx, upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)

	_, err = e.q.Clean(ctx, "ingestion", queue.StateFailed, 0)
	require.NoError(t, err)

	e.emb.setFail(nil)
	job, err := e.pipe.Retry(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobExtractText, job.Type)
	e.drain(t)
	assert.Equal(t, port.FileStatusCompleted, e.file(t, res.File.ID).Status)
}

func TestBusyFileLockDefersStage(t *testing.T) {
	e := newEnv(t, func(_ *ingestion.Config, deps *ingestion.Deps) { deps.Lock = busyLock{} })
	ctx := context.Background()
	res, err := e.pipe.Accept(ctx, upload("a.txt", threePages()))
	require.NoError(t, err)
	e.drain(t)

	assert.Equal(t, port.FileStatusUploading, e.file(t, res.File.ID).Status)
	job, err := e.q.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Contains(t, job.FailureReason, "lock")
	assert.Zero(t, job.Attempts, "a busy lock does not use up attempts")
	assert.Equal(t, 1, job.Deferrals)
}

func TestStorageKeyIsSanitized(t *testing.T) {
	assert.Equal(t, "t1/a1/f1/my_report_2024.pdf", ingestion.StorageKey("t1", "a1", "f1", "../my report 2024.pdf"))
	assert.Equal(t, "t1/a1/f1/upload", ingestion.StorageKey("t1", "a1", "f1", ""))
}
