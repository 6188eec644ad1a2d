// Package deletion 删除文件及其派生数据：原始对象、向量、登记记录。
package deletion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
	applog "agentdesk/internal/platform/log"
)

var (
	ErrFileNotFound   = errors.New("file not found")
	ErrNoFiles        = errors.New("no file ids given")
	ErrNotDeletionJob = errors.New("job is not a deletion job")
	ErrFileBusy       = errors.New("file is locked by a running stage")
	ErrTooManyFiles   = errors.New("too many files in one batch")
)

const defaultMaxBatchSize = 500

type Config struct {
	Queue            string
	CollectionPrefix string
	MaxAttempts      int
	Backoff          time.Duration
	// BatchConcurrency 批量删除时同时处理的文件数
	BatchConcurrency int
	MaxBatchSize     int
}

func (c *Config) applyDefaults() {
	if c.Queue == "" {
		c.Queue = "deletion"
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docs"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = queue.DefaultBackoffDelay
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
}

type Deps struct {
	Files   port.FileRepository
	Objects port.ObjectStore
	Vectors port.VectorStore
	Queue   queue.Queue
	// Lock 可选，与摄取阶段共用，删除不会和正在写入的阶段交错
	Lock port.FileLocker
}

// Pipeline 删除流水线编排器
type Pipeline struct {
	cfg Config
	Deps
	log *slog.Logger
}

func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Files == nil || deps.Objects == nil || deps.Vectors == nil || deps.Queue == nil {
		return nil, errors.New("deletion: files, objects, vectors and queue are required")
	}
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, Deps: deps, log: applog.With("component", "Deletion")}, nil
}

func (p *Pipeline) Register(r *queue.Registry) error {
	if err := r.Register(queue.JobDeleteFile, queue.HandlerFunc(p.handleDelete)); err != nil {
		return err
	}
	return r.Register(queue.JobBatchDeleteFiles, queue.HandlerFunc(p.handleBatch))
}

func (p *Pipeline) options(key string) queue.EnqueueOptions {
	return queue.EnqueueOptions{
		Priority:    queue.PriorityHigh,
		MaxAttempts: p.cfg.MaxAttempts,
		Backoff:     queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: p.cfg.Backoff},
		JobKey:      key,
	}
}

// EnqueueDeletion 投递单文件删除。同一文件重复请求返回同一个任务。
func (p *Pipeline) EnqueueDeletion(ctx context.Context, fileID string) (*queue.Job, error) {
	f, err := p.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrFileNotFound
	}
	payload := queue.DeleteFilePayload{
		FileRef:    queue.FileRef{FileID: f.ID, TenantID: f.TenantID, AgentID: f.AgentID},
		StorageKey: f.StorageKey,
	}
	job, err := p.Queue.Enqueue(ctx, p.cfg.Queue, payload, p.options("delete-file:"+f.ID))
	if err != nil {
		return nil, fmt.Errorf("enqueue delete-file: %w", err)
	}
	p.log.Info("File deletion enqueued", "file_id", f.ID, "tenant_id", f.TenantID, "job_id", job.ID)
	return job, nil
}

// EnqueueBatchDeletion 投递批量删除。id 去重排序后作为任务 key 的一部分。
func (p *Pipeline) EnqueueBatchDeletion(ctx context.Context, tenantID string, fileIDs []string) (*queue.Job, error) {
	ids := normalizeIDs(fileIDs)
	if len(ids) == 0 {
		return nil, ErrNoFiles
	}
	if len(ids) > p.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(ids), p.cfg.MaxBatchSize)
	}
	payload := queue.BatchDeleteFilesPayload{TenantID: tenantID, FileIDs: ids}
	job, err := p.Queue.Enqueue(ctx, p.cfg.Queue, payload, p.options("batch-delete-files:"+batchKey(tenantID, ids)))
	if err != nil {
		return nil, fmt.Errorf("enqueue batch-delete-files: %w", err)
	}
	p.log.Info("Batch deletion enqueued", "tenant_id", tenantID, "files", len(ids), "job_id", job.ID)
	return job, nil
}

// Cancel 取消尚未开始执行的删除任务
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	job, err := p.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Type != queue.JobDeleteFile && job.Type != queue.JobBatchDeleteFiles {
		return ErrNotDeletionJob
	}
	if err := p.Queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	p.log.Info("Deletion cancelled", "job_id", jobID, "job_type", job.Type)
	return nil
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func batchKey(tenantID string, ids []string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:16])
}
