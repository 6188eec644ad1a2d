package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
)

// stageSpec 阶段的状态迁移规则
type stageSpec struct {
	name   port.Stage
	status port.FileStatus
	next   port.FileStatus
	// from 允许进入本阶段的状态
	from   []port.FileStatus
	reason port.ErrorReason
}

var (
	extractStage = stageSpec{
		name:   port.StageExtract,
		status: port.FileStatusExtracting,
		next:   port.FileStatusChunking,
		from:   []port.FileStatus{port.FileStatusUploading, port.FileStatusProcessing, port.FileStatusExtracting},
		reason: port.ReasonExtractionFailed,
	}
	chunkStage = stageSpec{
		name:   port.StageChunk,
		status: port.FileStatusChunking,
		next:   port.FileStatusEmbedding,
		from:   []port.FileStatus{port.FileStatusChunking, port.FileStatusProcessing},
		reason: port.ReasonChunkingFailed,
	}
	embedStage = stageSpec{
		name:   port.StageEmbed,
		status: port.FileStatusEmbedding,
		next:   port.FileStatusIndexing,
		from:   []port.FileStatus{port.FileStatusEmbedding, port.FileStatusProcessing},
		reason: port.ReasonEmbeddingFailed,
	}
	indexStage = stageSpec{
		name:   port.StageIndex,
		status: port.FileStatusIndexing,
		next:   port.FileStatusCompleted,
		from:   []port.FileStatus{port.FileStatusIndexing, port.FileStatusProcessing},
		reason: port.ReasonIndexingFailed,
	}
)

// failFrom 可以被本阶段置为 error 的状态。handoff 为 false 时不含下一状态，后继任务已接手的文件不被重复任务改写。
func (s stageSpec) failFrom(handoff bool) []port.FileStatus {
	out := append(slices.Clone(s.from), s.status)
	if handoff && s.next != port.FileStatusCompleted {
		out = append(out, s.next)
	}
	return out
}

// StageResult 阶段任务的结果
type StageResult struct {
	FileID    string     `json:"file_id"`
	Stage     port.Stage `json:"stage"`
	Skipped   bool       `json:"skipped,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	NextJobID string     `json:"next_job_id,omitempty"`
	ElapsedMs int64      `json:"elapsed_ms"`
}

type stepOutput struct {
	meta *port.FileMetadata
	next queue.Payload
	// onGone 文件在阶段执行期间被删除时调用
	onGone func(ctx context.Context) error
}

// reasonError 覆盖阶段默认的失败子原因
type reasonError struct {
	reason port.ErrorReason
	err    error
}

func (e *reasonError) Error() string { return e.err.Error() }
func (e *reasonError) Unwrap() error { return e.err }

func withReason(reason port.ErrorReason, err error) error {
	return &reasonError{reason: reason, err: err}
}

type stepFunc func(ctx context.Context, f *port.File) (*stepOutput, error)

// runStage 阶段执行骨架：
//   - 文件不存在或已越过本阶段时空操作完成；
//   - 状态等于本阶段的下一状态时说明上次推进后投递失败，重做并补投后继任务；
//   - 成功时先条件推进状态再投递后继，失败时按错误分类决定重试或置 error。
func (p *Pipeline) runStage(ctx context.Context, job *queue.Job, st stageSpec, ref queue.FileRef, work stepFunc) queue.Outcome {
	start := p.now()
	log := p.log.With("file_id", ref.FileID, "stage", st.name, "job_id", job.ID, "attempt", job.Attempts)

	f, err := p.Files.GetFile(ctx, ref.FileID)
	if err != nil {
		return queue.Retryable(fmt.Errorf("load file: %w", err))
	}
	if f == nil {
		log.Info("File no longer exists, skipping stage")
		return queue.Ok(skipped(ref.FileID, st, "file deleted"))
	}

	resume := false
	switch {
	case f.Status == st.next && st.next != port.FileStatusCompleted:
		resume = true
		log.Info("Resuming stage after interrupted handoff")
	case slices.Contains(st.from, f.Status):
		ok, err := p.Files.TransitionFile(ctx, f.ID, port.StatusUpdate{
			From:      st.from,
			To:        st.status,
			LastJobID: job.ID,
		})
		if err != nil {
			return queue.Retryable(fmt.Errorf("enter %s: %w", st.status, err))
		}
		if !ok {
			log.Info("File status changed concurrently, skipping stage")
			return queue.Ok(skipped(f.ID, st, "status changed"))
		}
	default:
		log.Debug("Stage not applicable, skipping", "status", f.Status)
		return queue.Ok(skipped(f.ID, st, "status "+string(f.Status)))
	}

	out, err := work(ctx, f)
	if err != nil {
		return p.failStage(ctx, job, st, f, resume, out, err, log)
	}

	if !resume {
		ok, err := p.Files.TransitionFile(ctx, f.ID, port.StatusUpdate{
			From:      []port.FileStatus{st.status},
			To:        st.next,
			Metadata:  out.meta,
			LastJobID: job.ID,
		})
		if err != nil {
			return queue.Retryable(fmt.Errorf("advance to %s: %w", st.next, err))
		}
		if !ok {
			return p.lostFile(ctx, f.ID, st, out, log)
		}
	}

	res := StageResult{FileID: f.ID, Stage: st.name}
	if out.next != nil {
		next, err := p.enqueue(ctx, out.next, job.Priority)
		if err != nil {
			// 状态已推进，重试时走 resume 分支补投
			log.Warn("Enqueue next stage failed", "error", err)
			return queue.Retryable(err)
		}
		if err := p.Files.SetLastJob(ctx, f.ID, next.ID); err != nil {
			log.Warn("Record last job failed", "next_job_id", next.ID, "error", err)
		}
		res.NextJobID = next.ID
	}
	res.ElapsedMs = p.now().Sub(start).Milliseconds()
	log.Info("Stage completed", "next_status", st.next, "next_job_id", res.NextJobID, "elapsed_ms", res.ElapsedMs)
	return queue.Ok(res)
}

// lostFile 推进状态失败：文件被删除时执行阶段清理，否则说明状态已被其他任务改写
func (p *Pipeline) lostFile(ctx context.Context, fileID string, st stageSpec, out *stepOutput, log *slog.Logger) queue.Outcome {
	cur, err := p.Files.GetFile(ctx, fileID)
	if err != nil {
		return queue.Retryable(fmt.Errorf("reload file: %w", err))
	}
	if cur != nil {
		log.Info("File status moved on, dropping stage output", "status", cur.Status)
		return queue.Ok(skipped(fileID, st, "status "+string(cur.Status)))
	}
	if out.onGone != nil {
		if err := out.onGone(ctx); err != nil {
			log.Warn("Cleanup after deletion failed", "error", err)
			return queue.Retryable(err)
		}
	}
	log.Info("File deleted during stage, output discarded")
	return queue.Ok(skipped(fileID, st, "file deleted"))
}

func (p *Pipeline) failStage(ctx context.Context, job *queue.Job, st stageSpec, f *port.File, resume bool, out *stepOutput, err error, log *slog.Logger) queue.Outcome {
	reason := st.reason
	var re *reasonError
	if errors.As(err, &re) {
		reason = re.reason
	}
	transient := port.Retryable(err)
	if transient && !job.LastAttempt() {
		log.Warn("Stage failed, will retry", "reason", reason, "error", err)
		return queue.Retryable(err)
	}

	upd := port.StatusUpdate{
		From:         st.failFrom(resume && f.LastJobID == job.ID),
		To:           port.FileStatusError,
		ErrorReason:  reason,
		ErrorMessage: err.Error(),
		FailedStage:  st.name,
		LastJobID:    job.ID,
	}
	if out != nil {
		upd.Metadata = out.meta
	}
	if _, terr := p.Files.TransitionFile(context.WithoutCancel(ctx), f.ID, upd); terr != nil {
		log.Error("Mark file error failed", "error", terr)
	}
	log.Error("Stage failed", "reason", reason, "kind", port.Classify(err), "error", err)
	if transient {
		return queue.Retryable(err)
	}
	return queue.Fatal(err)
}

func skipped(fileID string, st stageSpec, why string) StageResult {
	return StageResult{FileID: fileID, Stage: st.name, Skipped: true, Reason: why}
}

func badPayload(job *queue.Job) queue.Outcome {
	return queue.Fatal(fmt.Errorf("unexpected payload %T for job_type=%s", job.Payload, job.Type))
}

func (p *Pipeline) handleExtract(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.ExtractTextPayload)
	if !ok {
		return badPayload(job)
	}
	return p.runStage(ctx, job, extractStage, pl.FileRef, func(ctx context.Context, f *port.File) (*stepOutput, error) {
		data, err := p.Objects.Get(ctx, pl.StorageKey)
		if err != nil {
			return nil, withReason(port.ReasonStorageDownloadFailed, fmt.Errorf("download %s: %w", pl.StorageKey, err))
		}
		r.Progress(30)

		xctx, cancel := context.WithTimeout(ctx, p.cfg.ExtractTimeout)
		defer cancel()
		res, err := p.Extractor.Extract(xctx, data, pl.FileName, pl.ContentType)
		if err != nil {
			return nil, err
		}
		meta := res.Meta
		out := &stepOutput{meta: &port.FileMetadata{Extraction: &meta}}
		if meta.Failed {
			return out, port.DataError("extract", errors.New(meta.FailureDetail))
		}
		r.Progress(90)
		out.next = queue.ChunkTextPayload{
			FileRef:     pl.FileRef,
			FileName:    pl.FileName,
			ContentType: pl.ContentType,
			Size:        pl.Size,
			Text:        res.Text,
		}
		return out, nil
	})
}

func (p *Pipeline) handleChunk(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.ChunkTextPayload)
	if !ok {
		return badPayload(job)
	}
	return p.runStage(ctx, job, chunkStage, pl.FileRef, func(ctx context.Context, f *port.File) (*stepOutput, error) {
		res, err := p.Chunker.Chunk(pl.Text, chunking.Options{
			Strategy: pl.Strategy,
			MimeType: pl.ContentType,
			SizeHint: pl.Size,
		})
		if err != nil {
			return nil, port.DataError("chunk", err)
		}
		if len(res.Chunks) == 0 {
			return nil, port.DataError("chunk", errors.New("no chunks produced"))
		}
		r.Progress(90)
		return &stepOutput{
			meta: &port.FileMetadata{Chunking: &port.ChunkingMeta{
				Strategy:     string(res.Strategy),
				ChunkCount:   len(res.Chunks),
				DroppedShort: res.DroppedShort,
				OverLimit:    res.OverLimit,
				AvgChars:     res.AvgChars(),
				CompletedAt:  p.now(),
			}},
			next: queue.GenerateEmbeddingsPayload{
				FileRef:  pl.FileRef,
				FileName: pl.FileName,
				Chunks:   res.Chunks,
			},
		}, nil
	})
}

func (p *Pipeline) handleEmbed(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.GenerateEmbeddingsPayload)
	if !ok {
		return badPayload(job)
	}
	return p.runStage(ctx, job, embedStage, pl.FileRef, func(ctx context.Context, f *port.File) (*stepOutput, error) {
		res, err := p.embedChunks(ctx, pl.Chunks, r)
		if err != nil {
			return nil, err
		}
		dims := p.Embedder.Dims()
		if len(res.chunks) > 0 {
			dims = len(res.chunks[0].Vector)
		}
		return &stepOutput{
			meta: &port.FileMetadata{Embedding: &port.EmbeddingMeta{
				Model:       p.Embedder.Model(),
				Dims:        dims,
				Embedded:    len(res.chunks),
				Dropped:     res.dropped,
				TokensUsed:  res.tokens,
				Warnings:    res.warnings,
				CompletedAt: p.now(),
			}},
			next: queue.StoreVectorsPayload{
				FileRef:  pl.FileRef,
				FileName: pl.FileName,
				Model:    p.Embedder.Model(),
				Chunks:   res.chunks,
			},
		}, nil
	})
}

func (p *Pipeline) handleIndex(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.StoreVectorsPayload)
	if !ok {
		return badPayload(job)
	}
	collection := port.CollectionName(p.cfg.CollectionPrefix, pl.TenantID)
	return p.runStage(ctx, job, indexStage, pl.FileRef, func(ctx context.Context, f *port.File) (*stepOutput, error) {
		if len(pl.Chunks) == 0 {
			return nil, port.DataError("index", errors.New("no vectors to store"))
		}
		records := make([]port.VectorRecord, 0, len(pl.Chunks))
		for _, c := range pl.Chunks {
			records = append(records, port.VectorRecord{
				ID:     VectorID(pl.FileID, c.Index),
				Vector: c.Vector,
				Payload: port.VectorPayload{
					TenantID:    pl.TenantID,
					AgentID:     pl.AgentID,
					FileID:      pl.FileID,
					FileName:    pl.FileName,
					ChunkIndex:  c.Index,
					Content:     c.Content,
					ContentHash: c.Hash,
				},
			})
		}

		// 向量 id 确定，任一批失败时整阶段重试不会产生重复
		batches := 0
		for i := 0; i < len(records); i += p.cfg.IndexBatchSize {
			end := min(i+p.cfg.IndexBatchSize, len(records))
			if err := p.Vectors.Upsert(ctx, collection, records[i:end]); err != nil {
				return nil, fmt.Errorf("upsert batch %d: %w", batches, err)
			}
			batches++
			r.Progress(end * 100 / len(records))
		}

		return &stepOutput{
			meta: &port.FileMetadata{Indexing: &port.IndexingMeta{
				Collection:  collection,
				VectorCount: len(records),
				Batches:     batches,
				CompletedAt: p.now(),
			}},
			onGone: func(ctx context.Context) error {
				return p.Vectors.DeleteByFilter(ctx, collection, port.VectorFilter{FileID: pl.FileID})
			},
		}, nil
	})
}
