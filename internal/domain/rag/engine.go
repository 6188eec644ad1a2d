// Package rag 检索增强问答：向量检索 → 上下文装配 → 带依据或降级的补全 → 会话持久化。
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
	"agentdesk/internal/provider"
)

var (
	// ErrRetrievalUnavailable 问题无法向量化，检索不可用
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrInvalidQuery         = errors.New("tenant, agent and message are required")
	ErrSessionNotFound      = errors.New("chat session not found")
)

// EmbeddingCache 查询向量缓存，未命中返回 ok=false
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, int, bool)
	Set(ctx context.Context, model, text string, vector []float32, tokens int)
}

// HistoryCache 会话近期消息的热缓存
type HistoryCache interface {
	Load(ctx context.Context, sessionID string, limit int) ([]*port.ChatMessage, bool, error)
	Append(ctx context.Context, sessionID string, msgs ...*port.ChatMessage) error
}

type Config struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	CollectionPrefix string
	DefaultTopK      int
	MaxTopK          int
	MinScore         float64
	MaxContextTokens int
	HistoryMessages  int
	PreviewChars     int
}

func (c *Config) applyDefaults() {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docs"
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 20
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	c.DefaultTopK = min(c.DefaultTopK, c.MaxTopK)
	c.MinScore = clampScore(c.MinScore)
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 3000
	}
	if c.HistoryMessages < 0 {
		c.HistoryMessages = 0
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 200
	}
}

type Deps struct {
	Embedder port.Embedder
	Vectors  port.VectorStore
	Chat     port.ChatRepository
	LLM      provider.LLMProvider
	// 以下可选
	Cache     EmbeddingCache
	History   HistoryCache
	Estimator TokenEstimator
}

// Engine RAG 问答引擎
type Engine struct {
	cfg Config
	Deps
	log *slog.Logger
	now func() time.Time
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Embedder == nil || deps.Vectors == nil || deps.Chat == nil || deps.LLM == nil {
		return nil, errors.New("rag: embedder, vectors, chat and llm are required")
	}
	if deps.Estimator == nil {
		deps.Estimator = SimpleTokenEstimator{}
	}
	cfg.applyDefaults()
	return &Engine{cfg: cfg, Deps: deps, log: applog.With("component", "RAG"), now: time.Now}, nil
}

// QueryRequest 一次提问。TopK 为 0 取默认值，MinScore 为 nil 取默认阈值。
type QueryRequest struct {
	TenantID  string
	AgentID   string
	Message   string
	SessionID string
	VisitorID string
	TopK      int
	MinScore  *float64
}

// QueryResponse 回答及溯源
type QueryResponse struct {
	SessionID    string           `json:"session_id"`
	MessageID    string           `json:"message_id"`
	Answer       string           `json:"answer"`
	FallbackUsed bool             `json:"fallback_used"`
	RAG          port.RAGMetadata `json:"rag_metadata"`
}

// AnswerQuery 回答问题。向量化失败返回 ErrRetrievalUnavailable；
// 检索为空、向量库异常或补全失败都降级返回带 fallback 标记的回答。
func (e *Engine) AnswerQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := e.now()
	req.Message = strings.TrimSpace(req.Message)
	if req.TenantID == "" || req.AgentID == "" || req.Message == "" {
		return nil, ErrInvalidQuery
	}
	log := e.log.With("tenant_id", req.TenantID, "agent_id", req.AgentID, "session_id", req.SessionID)

	var (
		vector      []float32
		embedTokens int
		session     *port.ChatSession
		history     []*port.ChatMessage
		historyErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, tokens, err := e.embedQuery(gctx, req.Message)
		if err != nil {
			log.Warn("Query embedding failed", "error", err)
			return fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
		}
		vector, embedTokens = v, tokens
		return nil
	})
	if req.SessionID != "" {
		g.Go(func() error {
			s, msgs, err := e.loadSession(gctx, req)
			if errors.Is(err, ErrSessionNotFound) {
				return err
			}
			if err != nil {
				// 会话存储异常不影响回答，本轮按无历史处理
				log.Warn("Session history unavailable, answering without it", "error", err)
				historyErr = err
			}
			session, history = s, msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := port.RAGMetadata{EmbeddingTokens: embedTokens, Model: e.cfg.Model}
	if historyErr != nil {
		meta.HistoryError = historyErr.Error()
	}

	matches, err := e.retrieve(ctx, req, vector)
	if err != nil {
		log.Warn("Vector query failed, answering without context", "error", err)
		meta.RetrievalError = err.Error()
	}
	meta.ChunksRetrieved = len(matches)
	passages := AssembleContext(matches, e.cfg.MaxContextTokens, e.Estimator)
	meta.ChunksUsed = len(passages)
	meta.Sources = Sources(passages, e.cfg.PreviewChars)

	system := fmt.Sprintf(groundedPrompt, FormatContext(passages))
	if len(passages) == 0 {
		system = fallbackPrompt
		meta.FallbackUsed = true
		meta.FallbackReason = FallbackNoContext
		if err != nil {
			meta.FallbackReason = FallbackRetrievalFailed
		}
	}

	messages := []provider.Message{provider.System(system)}
	for _, m := range history {
		switch m.Role {
		case port.RoleUser:
			messages = append(messages, provider.User(m.Content))
		case port.RoleAssistant:
			messages = append(messages, provider.Assistant(m.Content))
		}
	}
	messages = append(messages, provider.User(req.Message))

	answer := staticApology
	resp, err := e.LLM.Complete(ctx, &provider.CompletionRequest{
		Model:       e.cfg.Model,
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err == nil {
			err = errors.New("empty completion")
		}
		log.Error("Completion failed, returning static reply", "error", err)
		meta.FallbackUsed = true
		meta.FallbackReason = FallbackCompletionFailed
	} else {
		answer = strings.TrimSpace(resp.Content)
		meta.CompletionTokens = resp.Usage.CompletionTokens
		if resp.Model != "" {
			meta.Model = resp.Model
		}
	}
	meta.ElapsedMs = e.now().Sub(start).Milliseconds()

	out := &QueryResponse{Answer: answer, FallbackUsed: meta.FallbackUsed, RAG: meta}
	out.SessionID, out.MessageID = e.persist(ctx, log, req, session, answer, meta, EstimateMessages(e.Estimator, messages))

	log.Info("Query answered",
		"chunks_retrieved", meta.ChunksRetrieved,
		"chunks_used", meta.ChunksUsed,
		"fallback_used", meta.FallbackUsed,
		"fallback_reason", meta.FallbackReason,
		"elapsed_ms", meta.ElapsedMs,
	)
	return out, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, int, error) {
	model := e.Embedder.Model()
	if e.Cache != nil {
		if v, tokens, ok := e.Cache.Get(ctx, model, text); ok {
			return v, tokens, nil
		}
	}
	res, err := e.Embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, 0, err
	}
	if len(res.Vectors) != 1 || len(res.Vectors[0]) == 0 {
		return nil, 0, fmt.Errorf("embedder returned %d vectors", len(res.Vectors))
	}
	if e.Cache != nil {
		e.Cache.Set(ctx, model, text, res.Vectors[0], res.TokensUsed)
	}
	return res.Vectors[0], res.TokensUsed, nil
}

// loadSession 读取会话与近期消息，优先使用缓存。
// 会话不存在返回 ErrSessionNotFound；其他错误时返回已读到的部分（会话读取失败时为 nil）。
func (e *Engine) loadSession(ctx context.Context, req QueryRequest) (*port.ChatSession, []*port.ChatMessage, error) {
	s, err := e.Chat.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil || s.TenantID != req.TenantID || s.AgentID != req.AgentID {
		return nil, nil, ErrSessionNotFound
	}
	if e.cfg.HistoryMessages == 0 {
		return s, nil, nil
	}
	if e.History != nil {
		msgs, ok, err := e.History.Load(ctx, s.ID, e.cfg.HistoryMessages)
		if err == nil && ok {
			return s, msgs, nil
		}
		if err != nil {
			e.log.Warn("History cache read failed", "session_id", s.ID, "error", err)
		}
	}
	msgs, err := e.Chat.ListRecentMessages(ctx, s.ID, e.cfg.HistoryMessages)
	if err != nil {
		return s, nil, fmt.Errorf("load history: %w", err)
	}
	return s, msgs, nil
}

// retrieve 保留向量库返回的顺序，只按阈值过滤
func (e *Engine) retrieve(ctx context.Context, req QueryRequest, vector []float32) ([]port.VectorMatch, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	topK = min(topK, e.cfg.MaxTopK)
	minScore := e.cfg.MinScore
	if req.MinScore != nil {
		minScore = clampScore(*req.MinScore)
	}

	collection := port.CollectionName(e.cfg.CollectionPrefix, req.TenantID)
	matches, err := e.Vectors.Query(ctx, collection, vector, topK, port.VectorFilter{
		TenantID: req.TenantID,
		AgentID:  req.AgentID,
	})
	if err != nil {
		return nil, err
	}
	kept := make([]port.VectorMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score >= minScore {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// persist 写入问答两条消息。失败只记日志，回答照常返回。
func (e *Engine) persist(ctx context.Context, log *slog.Logger, req QueryRequest, session *port.ChatSession, answer string, meta port.RAGMetadata, promptTokens int) (string, string) {
	ctx = context.WithoutCancel(ctx)
	if session == nil {
		session = &port.ChatSession{
			ID:        uuid.New().String(),
			TenantID:  req.TenantID,
			AgentID:   req.AgentID,
			VisitorID: req.VisitorID,
			Title:     Preview(req.Message, 80),
		}
		if err := e.Chat.CreateSession(ctx, session); err != nil {
			log.Error("Create session failed", "session_id", session.ID, "error", err)
			return session.ID, ""
		}
	}

	now := e.now()
	user := &port.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		Role:       port.RoleUser,
		Content:    req.Message,
		TokensUsed: promptTokens,
		CreatedAt:  now,
	}
	reply := &port.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		Role:       port.RoleAssistant,
		Content:    answer,
		TokensUsed: meta.CompletionTokens,
		RAG:        &meta,
		CreatedAt:  now.Add(time.Millisecond),
	}
	if err := e.Chat.AppendMessages(ctx, session.ID, []*port.ChatMessage{user, reply}); err != nil {
		log.Error("Persist messages failed", "session_id", session.ID, "error", err)
		return session.ID, reply.ID
	}
	if e.History != nil {
		if err := e.History.Append(ctx, session.ID, user, reply); err != nil {
			log.Warn("History cache append failed", "session_id", session.ID, "error", err)
		}
	}
	return session.ID, reply.ID
}

func clampScore(v float64) float64 {
	return min(max(v, 0), 1)
}
