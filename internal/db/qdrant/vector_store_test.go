package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/domain/port"
)

type fakeQdrant struct {
	mu       sync.Mutex
	exists   bool
	calls    []string
	bodies   map[string]map[string]any
	searchOK string
	status   int
}

func (f *fakeQdrant) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		call := r.Method + " " + r.URL.RequestURI()
		f.calls = append(f.calls, call)
		if r.ContentLength != 0 {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.bodies[call] = body
		}
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"status":{"error":"boom"}}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs_t1":
			if !f.exists {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"status":{"error":"Not found: Collection docs_t1 doesn't exist!"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":3,"distance":"Cosine"}}}},"status":"ok"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_t1":
			f.exists = true
			_, _ = w.Write([]byte(`{"result":true,"status":"ok"}`))
		case r.URL.Path == "/collections/missing/points/search", r.URL.Path == "/collections/missing/points/delete":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
		case r.URL.Path == "/collections/docs_t1/points/search":
			_, _ = w.Write([]byte(f.searchOK))
		default:
			_, _ = w.Write([]byte(`{"result":{"status":"completed"},"status":"ok"}`))
		}
	}
}

func newFake(t *testing.T) (*fakeQdrant, *VectorStore) {
	t.Helper()
	f := &fakeQdrant{bodies: map[string]map[string]any{}}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	s, err := NewVectorStore(Config{URL: srv.URL + "/"})
	require.NoError(t, err)
	return f, s
}

func record(id string, idx int) port.VectorRecord {
	return port.VectorRecord{
		ID:      id,
		Vector:  []float32{0.1, 0.2, 0.3},
		Payload: port.VectorPayload{TenantID: "t1", AgentID: "a1", FileID: "f1", ChunkIndex: idx, Content: "c"},
	}
}

func TestUpsertCreatesCollectionOnce(t *testing.T) {
	f, s := newFake(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "docs_t1", []port.VectorRecord{record("p1", 0)}))
	require.NoError(t, s.Upsert(ctx, "docs_t1", []port.VectorRecord{record("p2", 1)}))

	creates := 0
	upserts := 0
	for _, c := range f.calls {
		switch c {
		case "PUT /collections/docs_t1":
			creates++
		case "PUT /collections/docs_t1/points?wait=true":
			upserts++
		}
	}
	assert.Equal(t, 1, creates)
	assert.Equal(t, 2, upserts)
	assert.Contains(t, f.calls, "PUT /collections/docs_t1/index?wait=true")

	body := f.bodies["PUT /collections/docs_t1"]
	assert.Equal(t, float64(3), body["vectors"].(map[string]any)["size"])
}

func TestUpsertRejectsMixedDimensions(t *testing.T) {
	_, s := newFake(t)
	bad := record("p2", 1)
	bad.Vector = []float32{1}
	err := s.Upsert(context.Background(), "docs_t1", []port.VectorRecord{record("p1", 0), bad})
	require.Error(t, err)
	assert.Equal(t, port.KindData, port.Classify(err))
}

func TestQueryKeepsStoreOrderAndDecodesPayload(t *testing.T) {
	f, s := newFake(t)
	f.searchOK = `{"result":[
		{"id":"b","score":0.9,"payload":{"tenant_id":"t1","agent_id":"a1","file_id":"f1","chunk_index":2,"content":"second"}},
		{"id":"a","score":0.7,"payload":{"tenant_id":"t1","agent_id":"a1","file_id":"f1","chunk_index":0,"content":"first"}}
	],"status":"ok"}`

	matches, err := s.Query(context.Background(), "docs_t1", []float32{1, 0, 0}, 5, port.VectorFilter{TenantID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].ID)
	assert.Equal(t, 2, matches[0].Payload.ChunkIndex)
	assert.Equal(t, "first", matches[1].Payload.Content)

	body := f.bodies["POST /collections/docs_t1/points/search"]
	must := body["filter"].(map[string]any)["must"].([]any)
	assert.Len(t, must, 2)
	assert.Equal(t, "tenant_id", must[0].(map[string]any)["key"])
}

func TestMissingCollectionIsEmpty(t *testing.T) {
	_, s := newFake(t)
	ctx := context.Background()

	matches, err := s.Query(ctx, "missing", []float32{1}, 5, port.VectorFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NoError(t, s.DeleteByFilter(ctx, "missing", port.VectorFilter{FileID: "f1"}))
}

func TestDeleteRequiresFilter(t *testing.T) {
	_, s := newFake(t)
	assert.Error(t, s.DeleteByFilter(context.Background(), "docs_t1", port.VectorFilter{}))
}

func TestServerErrorsAreTransient(t *testing.T) {
	f, s := newFake(t)
	f.status = http.StatusServiceUnavailable
	_, err := s.Query(context.Background(), "docs_t1", []float32{1}, 5, port.VectorFilter{})
	require.Error(t, err)
	assert.True(t, port.Retryable(err))
}
