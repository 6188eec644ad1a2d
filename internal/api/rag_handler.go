package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentdesk/internal/domain/rag"
)

// ChatHandler 知识库问答
type ChatHandler struct {
	engine *rag.Engine
}

func NewChatHandler(engine *rag.Engine) *ChatHandler {
	return &ChatHandler{engine: engine}
}

func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/agents/{agentID}/chat", h.Chat)
}

type chatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id,omitempty"`
	VisitorID string   `json:"visitor_id,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
	MinScore  *float64 `json:"min_score,omitempty"`
}

func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "RAG engine not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	scope := MustScopeFrom(r.Context())

	resp, err := h.engine.AnswerQuery(r.Context(), rag.QueryRequest{
		TenantID:  scope.TenantID,
		AgentID:   chi.URLParam(r, "agentID"),
		Message:   req.Message,
		SessionID: req.SessionID,
		VisitorID: req.VisitorID,
		TopK:      req.TopK,
		MinScore:  req.MinScore,
	})
	if err != nil {
		writeDomainError(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
