package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

// EmbedderConfig 向量化配置
type EmbedderConfig struct {
	Config
	Model string // e.g. text-embedding-3-small
	Dims  int    // 向量维度
	// RequestsPerSecond <= 0 时不限流
	RequestsPerSecond float64
	Burst             int
}

// Embedder 调用 OpenAI 兼容 /v1/embeddings API
type Embedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

// NewEmbedder 创建 OpenAI 兼容 Embedder
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dims <= 0 {
		cfg.Dims = 1536
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 60
	}
	e := &Embedder{
		baseURL: normalizeBaseURL(cfg.BaseURL),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dims:    cfg.Dims,
		client:  newHTTPClient(cfg.Config),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

func (e *Embedder) Model() string { return e.model }
func (e *Embedder) Dims() int     { return e.dims }

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Model string          `json:"model"`
	Usage embeddingUsage  `json:"usage"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Embed 一次请求向量化全部文本，分批由调用方负责
func (e *Embedder) Embed(ctx context.Context, texts []string) (*port.EmbeddingResult, error) {
	if len(texts) == 0 {
		return &port.EmbeddingResult{}, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, port.Transient("embed", fmt.Errorf("rate limiter: %w", err))
		}
	}
	start := time.Now()

	reqBody := embeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: "float",
	}
	// text-embedding-3-* 支持 dimensions 参数
	if strings.Contains(e.model, "embedding-3") {
		reqBody.Dimensions = e.dims
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setHeaders(httpReq, e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, port.Transient("embed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, port.Transient("embed", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("embed", resp.StatusCode, respBody)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, port.Transient("embed", fmt.Errorf("parse response: %w", err))
	}

	// 按 index 排序确保顺序正确
	vectors := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, port.Transient("embed", fmt.Errorf("missing embedding for text index %d", i))
		}
		if len(v) != e.dims {
			return nil, port.ConfigError("embed", fmt.Errorf("embedding dims %d, configured %d", len(v), e.dims))
		}
	}

	applog.Debug("[OpenAI/Embedder] Batch embedded",
		"count", len(texts),
		"dims", e.dims,
		"tokens", embResp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &port.EmbeddingResult{Vectors: vectors, TokensUsed: embResp.Usage.TotalTokens}, nil
}
