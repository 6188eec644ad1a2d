package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/domain/port"
)

// Repository 进程内的文件登记与会话存储，测试和开发模式使用
type Repository struct {
	mu       sync.RWMutex
	files    map[string]*port.File
	sessions map[string]*port.ChatSession
	messages map[string][]*port.ChatMessage
	now      func() time.Time
}

var _ port.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{
		files:    make(map[string]*port.File),
		sessions: make(map[string]*port.ChatSession),
		messages: make(map[string][]*port.ChatMessage),
		now:      time.Now,
	}
}

func inScope(ctx context.Context, tenantID string) bool {
	scope, ok := port.TenantScopeFrom(ctx)
	return !ok || scope == tenantID
}

func copyFile(f *port.File) *port.File {
	c := *f
	return &c
}

func (r *Repository) CreateFile(_ context.Context, f *port.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := r.now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = port.FileStatusUploading
	}
	r.files[f.ID] = copyFile(f)
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id string) (*port.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[id]
	if !ok || !inScope(ctx, f.TenantID) {
		return nil, nil
	}
	return copyFile(f), nil
}

func (r *Repository) ListFiles(ctx context.Context, agentID string) ([]*port.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*port.File
	for _, f := range r.files {
		if f.AgentID == agentID && inScope(ctx, f.TenantID) {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) FindCompletedByHash(ctx context.Context, agentID, contentHash string) (*port.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *port.File
	for _, f := range r.files {
		if f.AgentID != agentID || f.ContentHash != contentHash || f.Status != port.FileStatusCompleted || !inScope(ctx, f.TenantID) {
			continue
		}
		if found == nil || f.CreatedAt.Before(found.CreatedAt) {
			found = f
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyFile(found), nil
}

func (r *Repository) TransitionFile(ctx context.Context, id string, upd port.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || !inScope(ctx, f.TenantID) || !upd.Allows(f.Status) {
		return false, nil
	}
	f.Status = upd.To
	f.Metadata.Merge(upd.Metadata)
	f.ErrorReason = upd.ErrorReason
	f.ErrorMessage = upd.ErrorMessage
	f.FailedStage = upd.FailedStage
	if upd.LastJobID != "" {
		f.LastJobID = upd.LastJobID
	}
	f.UpdatedAt = r.now()
	return true, nil
}

func (r *Repository) SetLastJob(_ context.Context, id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[id]; ok {
		f.LastJobID = jobID
		f.UpdatedAt = r.now()
	}
	return nil
}

func (r *Repository) DeleteFile(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || !inScope(ctx, f.TenantID) {
		return false, nil
	}
	delete(r.files, id)
	return true, nil
}

func (r *Repository) CreateSession(_ context.Context, s *port.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := r.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	c := *s
	r.sessions[s.ID] = &c
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (*port.ChatSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !inScope(ctx, s.TenantID) {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (r *Repository) AppendMessages(_ context.Context, sessionID string, msgs []*port.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return port.NotFoundError("append messages", fmt.Errorf("session %s not found", sessionID))
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = r.now()
		}
		m.SessionID = sessionID
		c := *m
		r.messages[sessionID] = append(r.messages[sessionID], &c)
		s.MessageCount++
		s.TokenCount += m.TokensUsed
	}
	s.UpdatedAt = r.now()
	return nil
}

func (r *Repository) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]*port.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*port.ChatMessage, len(all))
	for i, m := range all {
		c := *m
		out[i] = &c
	}
	return out, nil
}
