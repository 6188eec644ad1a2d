package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"agentdesk/internal/domain/deletion"
	"agentdesk/internal/domain/ingestion"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
	"agentdesk/internal/domain/rag"
	applog "agentdesk/internal/platform/log"
)

// FileHandler 文件上传、状态、重试与删除
type FileHandler struct {
	files     port.FileRepository
	ingestion *ingestion.Pipeline
	deletion  *deletion.Pipeline
	maxBytes  int64
}

func NewFileHandler(files port.FileRepository, ing *ingestion.Pipeline, del *deletion.Pipeline, maxUploadMB int) *FileHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &FileHandler{
		files:     files,
		ingestion: ing,
		deletion:  del,
		maxBytes:  int64(maxUploadMB) << 20,
	}
}

func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agents/{agentID}/files", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/", h.List)
	})
	r.Route("/files", func(r chi.Router) {
		r.Post("/batch-delete", h.BatchDelete)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/ingest", h.Ingest)
		r.Delete("/{id}", h.Delete)
	})
}

type uploadResponse struct {
	File         *port.File `json:"file"`
	JobID        string     `json:"job_id,omitempty"`
	Deduplicated bool       `json:"deduplicated"`
}

// Upload multipart 上传，字段 file；可选字段 priority（1..5）
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	// 多留 1MB 给 multipart 头
	limit := h.maxBytes + 1<<20
	if r.ContentLength > limit {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	prio := queue.PriorityNormal
	if v := strings.TrimSpace(r.FormValue("priority")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !queue.Priority(n).Valid() {
			writeError(w, http.StatusBadRequest, "priority must be between 1 and 5")
			return
		}
		prio = queue.Priority(n)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	res, err := h.ingestion.Accept(r.Context(), ingestion.UploadRequest{
		TenantID:    scope.TenantID,
		AgentID:     chi.URLParam(r, "agentID"),
		UploaderID:  scope.Subject,
		FileName:    header.Filename,
		ContentType: contentType,
		Data:        data,
		Priority:    prio,
	})
	if err != nil {
		writeDomainError(w, "upload", err)
		return
	}
	status := http.StatusAccepted
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{File: res.File, JobID: res.JobID, Deduplicated: res.Deduplicated})
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.ListFiles(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		applog.Error("[API] List files failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// Get 文件状态与各阶段元数据
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.GetFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		applog.Error("[API] Get file failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get file")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FileHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.ingestion.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "retry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, queue.StatusOf(job))
}

// Ingest 为已登记的文件重新投递提取任务
func (h *FileHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	job, err := h.ingestion.EnqueueIngestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusAccepted, queue.StatusOf(job))
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	job, err := h.deletion.EnqueueDeletion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusAccepted, queue.StatusOf(job))
}

type batchDeleteRequest struct {
	FileIDs []string `json:"file_ids"`
}

func (h *FileHandler) BatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	scope := MustScopeFrom(r.Context())
	job, err := h.deletion.EnqueueBatchDeletion(r.Context(), scope.TenantID, req.FileIDs)
	if err != nil {
		writeDomainError(w, "batch delete", err)
		return
	}
	writeJSON(w, http.StatusAccepted, queue.StatusOf(job))
}

// writeDomainError 把核心层错误映射为 HTTP 状态码
func writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ingestion.ErrEmptyFile),
		errors.Is(err, ingestion.ErrMissingTenant),
		errors.Is(err, deletion.ErrNoFiles),
		errors.Is(err, deletion.ErrTooManyFiles),
		errors.Is(err, deletion.ErrNotDeletionJob),
		errors.Is(err, rag.ErrInvalidQuery):
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ingestion.ErrFileTooLarge):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
	case errors.Is(err, ingestion.ErrFileNotFound),
		errors.Is(err, deletion.ErrFileNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, rag.ErrSessionNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ingestion.ErrNotRetryable),
		errors.Is(err, queue.ErrJobActive),
		errors.Is(err, queue.ErrJobFinished):
		writeErrorCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, rag.ErrRetrievalUnavailable):
		writeErrorCode(w, http.StatusServiceUnavailable, "retrieval_unavailable", "knowledge retrieval is temporarily unavailable")
	default:
		applog.Error("[API] Request failed", "op", op, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal", op+" failed")
	}
}
