package deletion

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"

	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
)

// 批量删除中单个文件的结果
const (
	OutcomeDeleted  = "deleted"
	OutcomeNotFound = "not_found"
)

// DeleteResult 单文件删除结果
type DeleteResult struct {
	FileID  string             `json:"file_id"`
	Steps   []queue.DeleteStep `json:"steps"`
	Existed bool               `json:"existed"`
}

// BatchResult 批量删除结果，Outcomes 中非 deleted/not_found 的值是错误信息
type BatchResult struct {
	Total    int               `json:"total"`
	Deleted  int               `json:"deleted"`
	NotFound int               `json:"not_found"`
	Failed   int               `json:"failed"`
	Outcomes map[string]string `json:"outcomes"`
}

func (p *Pipeline) handleDelete(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.DeleteFilePayload)
	if !ok {
		return queue.Fatal(fmt.Errorf("unexpected payload %T for job_type=%s", job.Payload, job.Type))
	}
	log := p.log.With("file_id", pl.FileID, "job_id", job.ID, "attempt", job.Attempts)

	res, err := p.deleteFile(ctx, &pl, func(step queue.DeleteStep, pct int) {
		if err := r.Checkpoint(pl); err != nil {
			log.Warn("Checkpoint failed", "step", step, "error", err)
		}
		r.Progress(pct)
	})
	if err != nil {
		if errors.Is(err, ErrFileBusy) {
			log.Info("File locked by a running stage, deferring deletion", "done", pl.Done)
			return queue.Defer(err, 0)
		}
		if port.Retryable(err) {
			log.Warn("File deletion failed, will retry", "done", pl.Done, "error", err)
			return queue.Retryable(err)
		}
		log.Error("File deletion failed", "done", pl.Done, "error", err)
		return queue.Fatal(err)
	}
	log.Info("File deleted", "existed", res.Existed)
	return queue.Ok(res)
}

// deleteFile 依次删除对象、向量、登记记录。已完成的步骤记录在 pl.Done 中，重试时跳过。
// afterStep 在每步完成后调用。
func (p *Pipeline) deleteFile(ctx context.Context, pl *queue.DeleteFilePayload, afterStep func(step queue.DeleteStep, pct int)) (*DeleteResult, error) {
	if p.Lock != nil {
		release, ok, err := p.Lock.Acquire(ctx, pl.FileID)
		if err != nil {
			return nil, port.Transient("delete.lock", err)
		}
		if !ok {
			return nil, port.Transient("delete.lock", ErrFileBusy)
		}
		defer release()
	}

	res := &DeleteResult{FileID: pl.FileID}
	steps := []struct {
		step queue.DeleteStep
		pct  int
		run  func() error
	}{
		{queue.DeleteStepStorage, 33, func() error {
			key := pl.StorageKey
			if key == "" {
				f, err := p.Files.GetFile(ctx, pl.FileID)
				if err != nil {
					return err
				}
				if f == nil {
					return nil
				}
				key = f.StorageKey
			}
			if key == "" {
				return nil
			}
			return p.Objects.Delete(ctx, key)
		}},
		{queue.DeleteStepVectors, 66, func() error {
			collection := port.CollectionName(p.cfg.CollectionPrefix, pl.TenantID)
			return p.Vectors.DeleteByFilter(ctx, collection, port.VectorFilter{FileID: pl.FileID})
		}},
		{queue.DeleteStepRegistry, 100, func() error {
			existed, err := p.Files.DeleteFile(ctx, pl.FileID)
			res.Existed = existed
			return err
		}},
	}
	for _, s := range steps {
		if pl.HasDone(s.step) {
			continue
		}
		if err := s.run(); err != nil {
			return nil, fmt.Errorf("delete %s step: %w", s.step, err)
		}
		pl.MarkDone(s.step)
		if afterStep != nil {
			afterStep(s.step, s.pct)
		}
	}
	res.Steps = pl.Done
	return res, nil
}

func (p *Pipeline) handleBatch(ctx context.Context, job *queue.Job, r queue.Reporter) queue.Outcome {
	pl, ok := job.Payload.(queue.BatchDeleteFilesPayload)
	if !ok {
		return queue.Fatal(fmt.Errorf("unexpected payload %T for job_type=%s", job.Payload, job.Type))
	}
	log := p.log.With("tenant_id", pl.TenantID, "job_id", job.ID, "attempt", job.Attempts)
	total := len(pl.FileIDs)
	if total == 0 {
		return queue.Ok(&BatchResult{Outcomes: map[string]string{}})
	}

	outcomes := maps.Clone(pl.Outcomes)
	if outcomes == nil {
		outcomes = make(map[string]string, total)
	}
	steps := make(map[string][]queue.DeleteStep, len(pl.Steps))
	for id, done := range pl.Steps {
		steps[id] = slices.Clone(done)
	}
	var pending []string
	for _, id := range pl.FileIDs {
		if _, done := outcomes[id]; !done {
			pending = append(pending, id)
		}
	}

	pool, err := ants.NewPool(p.cfg.BatchConcurrency)
	if err != nil {
		return queue.Retryable(fmt.Errorf("create batch pool: %w", err))
	}
	defer pool.Release()

	scoped := port.WithTenantScope(ctx, pl.TenantID)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		deferred int
		busy     int
	)
	// checkpoint 调用方持有 mu
	checkpoint := func() {
		snapshot := pl
		snapshot.Outcomes = maps.Clone(outcomes)
		snapshot.Steps = make(map[string][]queue.DeleteStep, len(steps))
		for id, done := range steps {
			snapshot.Steps[id] = slices.Clone(done)
		}
		if err := r.Checkpoint(snapshot); err != nil {
			log.Warn("Checkpoint failed", "error", err)
		}
	}
	stepDone := func(id string, step queue.DeleteStep) {
		mu.Lock()
		defer mu.Unlock()
		if !slices.Contains(steps[id], step) {
			steps[id] = append(steps[id], step)
		}
		checkpoint()
	}
	record := func(id, outcome string, retry, locked bool) {
		mu.Lock()
		defer mu.Unlock()
		if retry {
			deferred++
			if locked {
				busy++
			}
			return
		}
		outcomes[id] = outcome
		delete(steps, id)
		// 进度只统计已有终态结果的文件，单调不减
		r.Progress(len(outcomes) * 100 / total)
	}

	for _, id := range pending {
		wg.Add(1)
		fileID := id
		mu.Lock()
		done := slices.Clone(steps[fileID])
		mu.Unlock()
		if err := pool.Submit(func() {
			defer wg.Done()
			outcome, err := p.deleteOne(scoped, fileID, done, func(step queue.DeleteStep) { stepDone(fileID, step) })
			if err != nil {
				locked := errors.Is(err, ErrFileBusy)
				retry := locked || (port.Retryable(err) && !job.LastAttempt())
				log.Warn("Batch item failed", "file_id", fileID, "retry", retry, "error", err)
				record(fileID, err.Error(), retry, locked)
				return
			}
			record(fileID, outcome, false, false)
		}); err != nil {
			wg.Done()
			record(fileID, "", true, false)
		}
	}
	wg.Wait()

	if deferred > 0 {
		mu.Lock()
		checkpoint()
		mu.Unlock()
		err := fmt.Errorf("%d of %d files pending", deferred, total)
		if busy == deferred {
			return queue.Defer(fmt.Errorf("%w: %v", ErrFileBusy, err), 0)
		}
		return queue.Retryable(fmt.Errorf("%v after transient failures", err))
	}

	res := &BatchResult{Total: total, Outcomes: outcomes}
	for _, o := range outcomes {
		switch o {
		case OutcomeDeleted:
			res.Deleted++
		case OutcomeNotFound:
			res.NotFound++
		default:
			res.Failed++
		}
	}
	r.Progress(100)
	log.Info("Batch deletion finished", "total", total, "deleted", res.Deleted, "not_found", res.NotFound, "failed", res.Failed)
	return queue.Ok(res)
}

// deleteOne 删除批量中的一个文件，done 为上次尝试已完成的步骤
func (p *Pipeline) deleteOne(ctx context.Context, fileID string, done []queue.DeleteStep, afterStep func(queue.DeleteStep)) (string, error) {
	if slices.Contains(done, queue.DeleteStepRegistry) {
		return OutcomeDeleted, nil
	}
	f, err := p.Files.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if f == nil {
		return OutcomeNotFound, nil
	}
	pl := &queue.DeleteFilePayload{
		FileRef:    queue.FileRef{FileID: f.ID, TenantID: f.TenantID, AgentID: f.AgentID},
		StorageKey: f.StorageKey,
		Done:       slices.Clone(done),
	}
	if _, err := p.deleteFile(ctx, pl, func(step queue.DeleteStep, _ int) { afterStep(step) }); err != nil {
		return "", err
	}
	return OutcomeDeleted, nil
}
