package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"agentdesk/internal/domain/port"
)

// VectorStore 余弦相似度暴力检索
type VectorStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]port.VectorRecord
	// FailWith 非 nil 时所有调用返回该错误，测试用
	FailWith error
}

var _ port.VectorStore = (*VectorStore)(nil)

func NewVectorStore() *VectorStore {
	return &VectorStore{collections: make(map[string]map[string]port.VectorRecord)}
}

func (s *VectorStore) Upsert(_ context.Context, collection string, records []port.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]port.VectorRecord)
		s.collections[collection] = col
	}
	for _, r := range records {
		if r.ID == "" {
			return port.DataError("memory.upsert", fmt.Errorf("vector id is required"))
		}
		col[r.ID] = r
	}
	return nil
}

func (s *VectorStore) Query(_ context.Context, collection string, vector []float32, topK int, filter port.VectorFilter) ([]port.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []port.VectorMatch
	for id, r := range s.collections[collection] {
		if !filter.Matches(r.Payload) {
			continue
		}
		out = append(out, port.VectorMatch{ID: id, Score: cosine(vector, r.Vector), Payload: r.Payload})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *VectorStore) DeleteByFilter(_ context.Context, collection string, filter port.VectorFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if len(filter.Fields()) == 0 {
		return port.DataError("memory.delete", fmt.Errorf("refusing to delete with empty filter"))
	}
	for id, r := range s.collections[collection] {
		if filter.Matches(r.Payload) {
			delete(s.collections[collection], id)
		}
	}
	return nil
}

// Count 返回集合内满足过滤的记录数
func (s *VectorStore) Count(collection string, filter port.VectorFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.collections[collection] {
		if filter.Matches(r.Payload) {
			n++
		}
	}
	return n
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
