// Package ingestion 编排上传文件的 提取 → 分块 → 向量化 → 入库 流水线。
// 每个阶段是一个独立的队列任务，成功后推进文件状态并投递下一阶段。
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/extract"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
	applog "agentdesk/internal/platform/log"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrNotRetryable  = errors.New("file is not in error state")
	ErrEmptyFile     = errors.New("file is empty")
	ErrFileTooLarge  = errors.New("file exceeds size limit")
	ErrMissingTenant = errors.New("tenant and agent are required")
	ErrStageLocked   = errors.New("another stage holds the file lock")
)

// DedupPolicy 相同内容重复上传时的处理方式
type DedupPolicy string

const (
	// DedupReprocess 总是新建文件并重新向量化
	DedupReprocess DedupPolicy = "reprocess"
	// DedupSkip 同一 agent 下已有内容相同且处理完成的文件时直接返回该文件
	DedupSkip DedupPolicy = "skip"
)

// ParseDedupPolicy 空串取默认值 reprocess
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch DedupPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DedupReprocess:
		return DedupReprocess, nil
	case DedupSkip:
		return DedupSkip, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

type Config struct {
	Queue            string
	DedupPolicy      DedupPolicy
	CollectionPrefix string
	MaxFileSize      int64

	MaxAttempts int
	Backoff     time.Duration

	ExtractTimeout time.Duration

	EmbedBatchSize   int
	EmbedMaxTries    int
	EmbedBackoffBase time.Duration

	IndexBatchSize int
}

func (c *Config) applyDefaults() {
	if c.Queue == "" {
		c.Queue = "ingestion"
	}
	if c.DedupPolicy == "" {
		c.DedupPolicy = DedupReprocess
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docs"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = queue.DefaultBackoffDelay
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 2 * time.Minute
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 64
	}
	if c.EmbedMaxTries <= 0 {
		c.EmbedMaxTries = 3
	}
	if c.EmbedBackoffBase <= 0 {
		c.EmbedBackoffBase = 500 * time.Millisecond
	}
	if c.IndexBatchSize <= 0 {
		c.IndexBatchSize = 100
	}
}

// Deps 外部依赖，全部由调用方注入
type Deps struct {
	Files     port.FileRepository
	Objects   port.ObjectStore
	Vectors   port.VectorStore
	Embedder  port.Embedder
	Queue     queue.Queue
	Extractor *extract.Extractor
	Chunker   *chunking.Engine
	// Lock 可选
	Lock port.FileLocker
}

// Pipeline 摄取流水线编排器，持有全部四个阶段
type Pipeline struct {
	cfg Config
	Deps
	log *slog.Logger
	now func() time.Time
}

func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Files == nil || deps.Objects == nil || deps.Vectors == nil || deps.Embedder == nil || deps.Queue == nil {
		return nil, errors.New("ingestion: files, objects, vectors, embedder and queue are required")
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.NewExtractor(nil)
	}
	if deps.Chunker == nil {
		deps.Chunker = chunking.NewEngine(chunking.Options{})
	}
	cfg.applyDefaults()
	return &Pipeline{
		cfg:  cfg,
		Deps: deps,
		log:  applog.With("component", "Ingestion"),
		now:  time.Now,
	}, nil
}

// Register 把四个阶段处理器注册到 worker
func (p *Pipeline) Register(r *queue.Registry) error {
	handlers := map[queue.JobType]queue.HandlerFunc{
		queue.JobExtractText:        p.handleExtract,
		queue.JobChunkText:          p.handleChunk,
		queue.JobGenerateEmbeddings: p.handleEmbed,
		queue.JobStoreVectors:       p.handleIndex,
	}
	for _, t := range []queue.JobType{queue.JobExtractText, queue.JobChunkText, queue.JobGenerateEmbeddings, queue.JobStoreVectors} {
		if err := r.Register(t, p.locked(handlers[t])); err != nil {
			return err
		}
	}
	return nil
}

// UploadRequest 上传请求
type UploadRequest struct {
	TenantID    string
	AgentID     string
	UploaderID  string
	FileName    string
	ContentType string
	Data        []byte
	Priority    queue.Priority
}

// AcceptResult Deduplicated 为 true 时 File 是已有文件，JobID 为空
type AcceptResult struct {
	File         *port.File
	JobID        string
	Deduplicated bool
}

// Accept 保存原文件、登记 File 并投递提取任务
func (p *Pipeline) Accept(ctx context.Context, req UploadRequest) (*AcceptResult, error) {
	if req.TenantID == "" || req.AgentID == "" {
		return nil, ErrMissingTenant
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if p.cfg.MaxFileSize > 0 && int64(len(req.Data)) > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(req.Data), p.cfg.MaxFileSize)
	}
	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	if p.cfg.DedupPolicy == DedupSkip {
		existing, err := p.Files.FindCompletedByHash(ctx, req.AgentID, hash)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if existing != nil {
			p.log.Info("Upload deduplicated",
				"file_id", existing.ID,
				"agent_id", req.AgentID,
				"content_hash", hash,
			)
			return &AcceptResult{File: existing, Deduplicated: true}, nil
		}
	}

	fileID := uuid.New().String()
	key := StorageKey(req.TenantID, req.AgentID, fileID, req.FileName)
	url, err := p.Objects.Put(ctx, key, req.Data, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	f := &port.File{
		ID:          fileID,
		TenantID:    req.TenantID,
		AgentID:     req.AgentID,
		UploaderID:  req.UploaderID,
		Name:        req.FileName,
		ContentType: req.ContentType,
		Size:        int64(len(req.Data)),
		ContentHash: hash,
		StorageKey:  key,
		StorageURL:  url,
		Status:      port.FileStatusUploading,
	}
	if err := p.Files.CreateFile(ctx, f); err != nil {
		if delErr := p.Objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			p.log.Warn("Orphan upload left in storage", "storage_key", key, "error", delErr)
		}
		return nil, fmt.Errorf("create file: %w", err)
	}

	job, err := p.enqueueExtract(ctx, f, req.Priority)
	if err != nil {
		return nil, err
	}
	p.log.Info("Upload accepted",
		"file_id", f.ID,
		"tenant_id", f.TenantID,
		"agent_id", f.AgentID,
		"size", f.Size,
		"job_id", job.ID,
	)
	return &AcceptResult{File: f, JobID: job.ID}, nil
}

// EnqueueIngestion 为已登记的文件投递提取任务
func (p *Pipeline) EnqueueIngestion(ctx context.Context, fileID string) (*queue.Job, error) {
	f, err := p.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFileNotFound
	}
	return p.enqueueExtract(ctx, f, queue.PriorityNormal)
}

func (p *Pipeline) enqueueExtract(ctx context.Context, f *port.File, prio queue.Priority) (*queue.Job, error) {
	payload := queue.ExtractTextPayload{
		FileRef:     fileRef(f),
		StorageKey:  f.StorageKey,
		FileName:    f.Name,
		ContentType: f.ContentType,
		Size:        f.Size,
	}
	job, err := p.enqueue(ctx, payload, prio)
	if err != nil {
		return nil, err
	}
	if err := p.Files.SetLastJob(ctx, f.ID, job.ID); err != nil {
		p.log.Warn("Record last job failed", "file_id", f.ID, "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Retry 仅 error 状态的文件可重试：状态置为 processing，从失败的阶段重新投递。
// 失败任务已被清理时从提取阶段重新开始。
func (p *Pipeline) Retry(ctx context.Context, fileID string) (*queue.Job, error) {
	f, err := p.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFileNotFound
	}
	if f.Status != port.FileStatusError {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, f.Status)
	}

	var payload queue.Payload = queue.ExtractTextPayload{
		FileRef:     fileRef(f),
		StorageKey:  f.StorageKey,
		FileName:    f.Name,
		ContentType: f.ContentType,
		Size:        f.Size,
	}
	if f.LastJobID != "" {
		last, err := p.Queue.Get(ctx, f.LastJobID)
		switch {
		case err == nil && last.State == queue.StateFailed && isStagePayload(last.Payload, f.ID):
			payload = last.Payload
		case err != nil && !errors.Is(err, queue.ErrJobNotFound):
			return nil, err
		}
	}

	ok, err := p.Files.TransitionFile(ctx, f.ID, port.StatusUpdate{
		From: []port.FileStatus{port.FileStatusError},
		To:   port.FileStatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRetryable
	}

	job, err := p.enqueue(ctx, payload, queue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	if err := p.Files.SetLastJob(ctx, f.ID, job.ID); err != nil {
		p.log.Warn("Record last job failed", "file_id", f.ID, "job_id", job.ID, "error", err)
	}
	p.log.Info("File retry enqueued", "file_id", f.ID, "job_type", job.Type, "job_id", job.ID)
	return job, nil
}

func (p *Pipeline) enqueue(ctx context.Context, payload queue.Payload, prio queue.Priority) (*queue.Job, error) {
	ref, _ := stageRef(payload)
	job, err := p.Queue.Enqueue(ctx, p.cfg.Queue, payload, queue.EnqueueOptions{
		Priority:    prio,
		MaxAttempts: p.cfg.MaxAttempts,
		Backoff:     queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: p.cfg.Backoff},
		JobKey:      "ingest:" + ref.FileID + ":" + string(payload.JobType()),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", payload.JobType(), err)
	}
	return job, nil
}

// locked 可选的文件锁包装
func (p *Pipeline) locked(h queue.HandlerFunc) queue.HandlerFunc {
	if p.Lock == nil {
		return h
	}
	return func(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
		ref, ok := stageRef(job.Payload)
		if !ok {
			return h(ctx, job, r)
		}
		release, ok, err := p.Lock.Acquire(ctx, ref.FileID)
		if err != nil {
			return queue.Retryable(err)
		}
		if !ok {
			return queue.Defer(ErrStageLocked, 0)
		}
		defer release()
		return h(ctx, job, r)
	}
}

var reUnsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// StorageKey 对象存储路径 tenant/agent/file/name
func StorageKey(tenantID, agentID, fileID, name string) string {
	base := reUnsafeName.ReplaceAllString(filepath.Base(name), "_")
	if base == "" || base == "." || base == "_" {
		base = "upload"
	}
	return strings.Join([]string{tenantID, agentID, fileID, base}, "/")
}

// VectorID 向量 id 由文件和块序号决定，重复入库会覆盖而不是新增
func VectorID(fileID string, chunkIndex int) string {
	return uuid.NewSHA1(vectorNamespace, []byte(fmt.Sprintf("%s:%d", fileID, chunkIndex))).String()
}

var vectorNamespace = uuid.MustParse("6f1c2b8e-4a53-4b0e-9d7a-3c2e5f8a1b90")

func fileRef(f *port.File) queue.FileRef {
	return queue.FileRef{FileID: f.ID, TenantID: f.TenantID, AgentID: f.AgentID}
}

func stageRef(p queue.Payload) (queue.FileRef, bool) {
	switch v := p.(type) {
	case queue.ExtractTextPayload:
		return v.FileRef, true
	case queue.ChunkTextPayload:
		return v.FileRef, true
	case queue.GenerateEmbeddingsPayload:
		return v.FileRef, true
	case queue.StoreVectorsPayload:
		return v.FileRef, true
	default:
		return queue.FileRef{}, false
	}
}

func isStagePayload(p queue.Payload, fileID string) bool {
	ref, ok := stageRef(p)
	return ok && ref.FileID == fileID
}
