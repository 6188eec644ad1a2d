package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"agentdesk/internal/domain/deletion"
	"agentdesk/internal/domain/queue"
)

// JobHandler 任务状态、取消与队列统计
type JobHandler struct {
	q        queue.Queue
	deletion *deletion.Pipeline
	queues   []string
}

func NewJobHandler(q queue.Queue, del *deletion.Pipeline, queues []string) *JobHandler {
	return &JobHandler{q: q, deletion: del, queues: queues}
}

func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Get("/jobs/{id}", h.Status)
	r.Delete("/jobs/{id}", h.Cancel)
	r.With(requireRole("admin")).Get("/queues/{name}/stats", h.Stats)
}

// Status 任务进度；其他租户的任务按不存在处理
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, queue.StatusOf(job))
}

// Cancel 只能取消尚未执行的删除任务
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if err := h.deletion.Cancel(r.Context(), job.ID); err != nil {
		writeDomainError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": job.ID})
}

func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(h.queues, name) {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	stats, err := h.q.Stats(r.Context(), name)
	if err != nil {
		writeDomainError(w, "queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	job, err := h.q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "get job", err)
		return nil, false
	}
	if queue.TenantOf(job.Payload) != MustScopeFrom(r.Context()).TenantID {
		writeDomainError(w, "get job", queue.ErrJobNotFound)
		return nil, false
	}
	return job, true
}
