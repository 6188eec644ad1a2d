package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

const maxErrorBodyBytes = 1024

// 建立 payload 索引的字段，删除和检索都按它们过滤
var indexedPayloadFields = []string{"tenant_id", "agent_id", "file_id"}

type Config struct {
	URL            string
	APIKey         string
	TimeoutSeconds int
}

// VectorStore Qdrant REST 实现，集合在首次写入时按向量维度创建
type VectorStore struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu    sync.Mutex
	ready map[string]bool
}

var _ port.VectorStore = (*VectorStore)(nil)

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage   `json:"id"`
	Score   float64           `json:"score"`
	Payload port.VectorPayload `json:"payload"`
}

func NewVectorStore(cfg Config) (*VectorStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url required")
	}
	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &VectorStore{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		ready:   make(map[string]bool),
	}, nil
}

func (s *VectorStore) Upsert(ctx context.Context, collection string, records []port.VectorRecord) error {
	const op = "upsert"
	if len(records) == 0 {
		return nil
	}
	dims := len(records[0].Vector)
	points := make([]map[string]any, 0, len(records))
	for _, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			return toPortError(opErr(op, OperationErrorValidation, "vector id is required", nil))
		}
		if len(r.Vector) != dims || dims == 0 {
			return toPortError(opErr(op, OperationErrorValidation,
				fmt.Sprintf("vector %q dimension mismatch: expected=%d got=%d", r.ID, dims, len(r.Vector)), nil))
		}
		points = append(points, map[string]any{
			"id":      r.ID,
			"vector":  r.Vector,
			"payload": r.Payload,
		})
	}

	if err := s.ensureCollection(ctx, collection, dims); err != nil {
		return toPortError(err)
	}
	req := map[string]any{"points": points}
	if err := s.doJSON(ctx, op, http.MethodPut, collectionPath(collection, "/points?wait=true"), req, nil); err != nil {
		return toPortError(err)
	}
	return nil
}

func (s *VectorStore) Query(ctx context.Context, collection string, vector []float32, topK int, filter port.VectorFilter) ([]port.VectorMatch, error) {
	const op = "query"
	if len(vector) == 0 {
		return nil, toPortError(opErr(op, OperationErrorValidation, "query vector required", nil))
	}
	if topK <= 0 {
		topK = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := translateFilter(filter); f != nil {
		req["filter"] = f
	}

	var raw []qdrantSearchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, collectionPath(collection, "/points/search"), req, &raw); err != nil {
		var oe *OperationError
		if errors.As(err, &oe) && oe.NotFound() {
			return nil, nil
		}
		return nil, toPortError(err)
	}

	// 保持 Qdrant 返回的顺序（分数降序）
	out := make([]port.VectorMatch, 0, len(raw))
	for _, item := range raw {
		out = append(out, port.VectorMatch{
			ID:      pointIDString(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return out, nil
}

func (s *VectorStore) DeleteByFilter(ctx context.Context, collection string, filter port.VectorFilter) error {
	const op = "delete"
	f := translateFilter(filter)
	if f == nil {
		return toPortError(opErr(op, OperationErrorValidation, "refusing to delete with empty filter", nil))
	}
	req := map[string]any{"filter": f}
	if err := s.doJSON(ctx, op, http.MethodPost, collectionPath(collection, "/points/delete?wait=true"), req, nil); err != nil {
		var oe *OperationError
		if errors.As(err, &oe) && oe.NotFound() {
			return nil
		}
		return toPortError(err)
	}
	return nil
}

func (s *VectorStore) ensureCollection(ctx context.Context, collection string, dims int) error {
	s.mu.Lock()
	ok := s.ready[collection]
	s.mu.Unlock()
	if ok {
		return nil
	}

	const op = "ensure_collection"
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, collectionPath(collection, ""), nil, &info)
	var oe *OperationError
	switch {
	case err == nil:
		if size := info.Config.Params.Vectors.Size; size != 0 && size != dims {
			return &OperationError{
				Code:      OperationErrorValidation,
				Operation: op,
				Message:   fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d", collection, dims, size),
			}
		}
	case errors.As(err, &oe) && oe.NotFound():
		create := map[string]any{"vectors": map[string]any{"size": dims, "distance": "Cosine"}}
		if err := s.doJSON(ctx, op, http.MethodPut, collectionPath(collection, ""), create, nil); err != nil {
			// 并发创建时对方已建好
			if !errors.As(err, &oe) || oe.StatusCode != http.StatusConflict {
				return err
			}
		}
		for _, field := range indexedPayloadFields {
			idx := map[string]any{"field_name": field, "field_schema": "keyword"}
			if err := s.doJSON(ctx, op, http.MethodPut, collectionPath(collection, "/index?wait=true"), idx, nil); err != nil {
				applog.Warn("[Qdrant] Create payload index failed", "collection", collection, "field", field, "error", err)
			}
		}
		applog.Info("[Qdrant] Collection created", "collection", collection, "dims", dims)
	default:
		return err
	}

	s.mu.Lock()
	s.ready[collection] = true
	s.mu.Unlock()
	return nil
}

func (s *VectorStore) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode, Message: statusErr}
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

// translateFilter 等值条件全部放进 must
func translateFilter(f port.VectorFilter) map[string]any {
	fields := f.Fields()
	if len(fields) == 0 {
		return nil
	}
	must := make([]any, 0, len(fields))
	for _, key := range indexedPayloadFields {
		if v, ok := fields[key]; ok {
			must = append(must, map[string]any{"key": key, "match": map[string]any{"value": v}})
		}
	}
	return map[string]any{"must": must}
}

func collectionPath(collection, suffix string) string {
	return "/collections/" + collection + suffix
}

// parseEnvelopeStatus status 为 "ok" 或 {"error": "..."}
func parseEnvelopeStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" || strings.EqualFold(s, "ok") || strings.EqualFold(s, "acknowledged") || strings.EqualFold(s, "completed") {
			return ""
		}
		return s
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return ""
}

func pointIDString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func truncateBody(raw []byte) string {
	if len(raw) > maxErrorBodyBytes {
		return string(raw[:maxErrorBodyBytes]) + "..."
	}
	return string(raw)
}
