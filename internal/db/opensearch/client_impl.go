package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

type Config struct {
	URL            string
	Username       string
	Password       string
	TimeoutSeconds int
	// InsecureSkipVerify 仅开发环境使用
	InsecureSkipVerify bool
}

// Client OpenSearch kNN 向量库，集合名即索引名
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	ready map[string]bool
}

var _ port.VectorStore = (*Client)(nil)

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // 开发环境
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		ready: make(map[string]bool),
	}
}

// 索引名必须小写
func indexName(collection string) string {
	return strings.ToLower(collection)
}

// EnsureIndex 确保索引存在，如不存在则创建
func (c *Client) EnsureIndex(ctx context.Context, collection string, dims int) error {
	index := indexName(collection)
	c.mu.Lock()
	ok := c.ready[index]
	c.mu.Unlock()
	if ok {
		return nil
	}

	resp, err := c.doRequest(ctx, http.MethodHead, "/"+index, nil)
	if err != nil {
		return port.Transient("opensearch.ensure_index", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		mapping := map[string]interface{}{
			"settings": map[string]interface{}{
				"index.knn": true,
			},
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"tenant_id":    map[string]string{"type": "keyword"},
					"agent_id":     map[string]string{"type": "keyword"},
					"file_id":      map[string]string{"type": "keyword"},
					"file_name":    map[string]string{"type": "keyword"},
					"chunk_index":  map[string]string{"type": "integer"},
					"content":      map[string]string{"type": "text"},
					"content_hash": map[string]string{"type": "keyword"},
					"vector": map[string]interface{}{
						"type":      "knn_vector",
						"dimension": dims,
						"method": map[string]interface{}{
							"name":       "hnsw",
							"space_type": "cosinesimil",
							"engine":     "lucene",
						},
					},
				},
			},
		}
		body, _ := json.Marshal(mapping)
		resp, err := c.doRequest(ctx, http.MethodPut, "/"+index, bytes.NewReader(body))
		if err != nil {
			return port.Transient("opensearch.ensure_index", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		// 并发创建时返回 resource_already_exists_exception
		if resp.StatusCode != http.StatusOK && !strings.Contains(string(respBody), "resource_already_exists") {
			return statusError("opensearch.ensure_index", resp.StatusCode, respBody)
		}
		applog.Info("[OpenSearch] Index created", "index", index, "dims", dims)
	} else if resp.StatusCode != http.StatusOK {
		return statusError("opensearch.ensure_index", resp.StatusCode, nil)
	}

	c.mu.Lock()
	c.ready[index] = true
	c.mu.Unlock()
	return nil
}

type chunkDocument struct {
	port.VectorPayload
	Vector []float32 `json:"vector"`
}

// Upsert 批量写入，文档 _id 即向量 id，重复写入覆盖
func (c *Client) Upsert(ctx context.Context, collection string, records []port.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.EnsureIndex(ctx, collection, len(records[0].Vector)); err != nil {
		return err
	}
	index := indexName(collection)

	var buf bytes.Buffer
	for _, r := range records {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": index,
				"_id":    r.ID,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, err := json.Marshal(chunkDocument{VectorPayload: r.Payload, Vector: r.Vector})
		if err != nil {
			return port.DataError("opensearch.upsert", err)
		}
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/_bulk?refresh=wait_for", &buf)
	if err != nil {
		return port.Transient("opensearch.upsert", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return port.Transient("opensearch.upsert", err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("opensearch.upsert", resp.StatusCode, respBody)
	}

	var bulk struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(respBody, &bulk); err != nil {
		return port.Transient("opensearch.upsert", fmt.Errorf("parse bulk response: %w", err))
	}
	if bulk.Errors {
		for _, item := range bulk.Items {
			for _, res := range item {
				if res.Status >= 300 {
					return statusError("opensearch.upsert", res.Status, []byte(res.Error.Reason))
				}
			}
		}
	}

	applog.Debug("[OpenSearch] Bulk indexed", "index", index, "count", len(records))
	return nil
}

// Query kNN 检索，过滤条件下推到 lucene 引擎
func (c *Client) Query(ctx context.Context, collection string, vector []float32, topK int, filter port.VectorFilter) ([]port.VectorMatch, error) {
	if topK <= 0 {
		topK = 5
	}
	knn := map[string]interface{}{
		"vector": vector,
		"k":      topK,
	}
	if filters := termFilters(filter); len(filters) > 0 {
		knn["filter"] = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}
	query := map[string]interface{}{
		"size":    topK,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
		"query": map[string]interface{}{
			"knn": map[string]interface{}{"vector": knn},
		},
	}

	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, http.MethodPost, "/"+indexName(collection)+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, port.Transient("opensearch.query", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, port.Transient("opensearch.query", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("opensearch.query", resp.StatusCode, respBody)
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string             `json:"_id"`
				Score  float64            `json:"_score"`
				Source port.VectorPayload `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, port.Transient("opensearch.query", fmt.Errorf("parse response: %w", err))
	}

	matches := make([]port.VectorMatch, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		matches = append(matches, port.VectorMatch{ID: hit.ID, Score: hit.Score, Payload: hit.Source})
	}
	return matches, nil
}

// DeleteByFilter 按 payload 字段删除
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter port.VectorFilter) error {
	filters := termFilters(filter)
	if len(filters) == 0 {
		return port.DataError("opensearch.delete", fmt.Errorf("refusing to delete with empty filter"))
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
	}
	body, _ := json.Marshal(query)

	resp, err := c.doRequest(ctx, http.MethodPost, "/"+indexName(collection)+"/_delete_by_query?refresh=true&conflicts=proceed", bytes.NewReader(body))
	if err != nil {
		return port.Transient("opensearch.delete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return statusError("opensearch.delete", resp.StatusCode, respBody)
	}
	return nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

func termFilters(f port.VectorFilter) []interface{} {
	var filters []interface{}
	for _, key := range []string{"tenant_id", "agent_id", "file_id"} {
		if v, ok := f.Fields()[key]; ok {
			filters = append(filters, map[string]interface{}{
				"term": map[string]string{key: v},
			})
		}
	}
	return filters
}

func statusError(op string, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return port.Transient(op, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return port.ConfigError(op, err)
	default:
		return port.DataError(op, err)
	}
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(path, "/_bulk") {
		req.Header.Set("Content-Type", "application/x-ndjson")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}
