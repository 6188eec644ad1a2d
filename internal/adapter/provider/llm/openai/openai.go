package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
	"agentdesk/internal/provider"
)

// Config OpenAI 兼容 API 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"` // 默认 https://api.openai.com/v1
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
	RequestTimeoutSeconds      int    `json:"request_timeout_seconds"`
}

// 这些模型系列只接受默认 temperature，请求里必须省略
var fixedTemperaturePrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// Provider OpenAI 兼容的 LLM Provider
// 支持所有 OpenAI API 兼容服务（OpenAI, Azure, DeepSeek, Ollama 等）
type Provider struct {
	config Config
	client *http.Client

	// 运行时从 400 响应中学到的不支持 temperature 的模型
	noTemperature sync.Map
}

// New 创建 OpenAI 兼容 Provider
func New(config Config) *Provider {
	config.BaseURL = normalizeBaseURL(config.BaseURL)
	return &Provider{
		config: config,
		client: newHTTPClient(config),
	}
}

func normalizeBaseURL(u string) string {
	if u == "" {
		u = "https://api.openai.com/v1"
	}
	return strings.TrimRight(u, "/")
}

func newHTTPClient(config Config) *http.Client {
	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}

	// Go 默认 Transport 的 TLS 握手超时为 10s，弱网下容易触发 handshake timeout
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(config.RequestTimeoutSeconds) * time.Second,
	}
}

func (p *Provider) Name() string {
	return "openai"
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
	Model   string      `json:"model"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete 非流式补全。模型拒绝 temperature 时记住该模型并去掉参数重试一次。
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	apiReq := p.buildAPIRequest(req)
	resp, err := p.doComplete(ctx, apiReq)
	if err == nil {
		return resp, nil
	}

	var apiErr *APIError
	if apiReq.Temperature != nil && errors.As(err, &apiErr) && apiErr.rejectsTemperature() {
		p.noTemperature.Store(req.Model, struct{}{})
		applog.Warn("[OpenAI] Model rejected temperature, retrying without it", "model", req.Model)
		apiReq.Temperature = nil
		return p.doComplete(ctx, apiReq)
	}
	return nil, err
}

// SupportsTemperature 是否可以传 temperature
func (p *Provider) SupportsTemperature(model string) bool {
	lower := strings.ToLower(model)
	if i := strings.LastIndex(lower, "/"); i >= 0 {
		lower = lower[i+1:]
	}
	for _, prefix := range fixedTemperaturePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	_, learned := p.noTemperature.Load(model)
	return !learned
}

func (p *Provider) doComplete(ctx context.Context, apiReq apiRequest) (*provider.CompletionResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(httpReq, p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, port.Transient("chat completion", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, classifyStatus("chat completion", resp.StatusCode, respBody)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, port.Transient("chat completion", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, port.Transient("chat completion", errors.New("no choices in response"))
	}

	choice := apiResp.Choices[0]
	return &provider.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) buildAPIRequest(req *provider.CompletionRequest) apiRequest {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	apiReq := apiRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature > 0 && p.SupportsTemperature(req.Model) {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.MaxTokens > 0 {
		m := req.MaxTokens
		apiReq.MaxTokens = &m
	}
	if req.TopP > 0 {
		tp := req.TopP
		apiReq.TopP = &tp
	}
	if len(req.Stop) > 0 {
		apiReq.Stop = req.Stop
	}
	return apiReq
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// APIError 非 200 响应
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

func (e *APIError) rejectsTemperature() bool {
	return e.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Body), "temperature")
}

// classifyStatus 429/5xx 可重试；401/403 为配置错误；其余 4xx 为数据错误
func classifyStatus(op string, status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	switch {
	case status == http.StatusTooManyRequests || status >= 500 || status == http.StatusRequestTimeout:
		return port.Transient(op, apiErr)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return port.ConfigError(op, apiErr)
	default:
		return port.DataError(op, apiErr)
	}
}
