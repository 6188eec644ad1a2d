package port

import "context"

// FileRepository 文件登记存储。查询不到时返回 nil, nil。
type FileRepository interface {
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)
	ListFiles(ctx context.Context, agentID string) ([]*File, error)
	// FindCompletedByHash 查找同一 agent 下内容哈希相同且已完成的文件
	FindCompletedByHash(ctx context.Context, agentID, contentHash string) (*File, error)
	// TransitionFile 条件更新状态；当前状态不在 upd.From 中（或文件不存在）时返回 false
	TransitionFile(ctx context.Context, id string, upd StatusUpdate) (bool, error)
	// SetLastJob 记录文件最近一次关联的任务
	SetLastJob(ctx context.Context, id, jobID string) error
	// DeleteFile 删除登记，返回是否确有删除
	DeleteFile(ctx context.Context, id string) (bool, error)
}

// ChatRepository 会话与消息存储
type ChatRepository interface {
	CreateSession(ctx context.Context, s *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	// AppendMessages 写入消息并累加会话计数
	AppendMessages(ctx context.Context, sessionID string, msgs []*ChatMessage) error
	// ListRecentMessages 返回最近 limit 条消息，按时间正序
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)
}

// Repository 聚合存储接口
type Repository interface {
	FileRepository
	ChatRepository
}

type tenantScope struct {
	TenantID string
}

type tenantScopeKey struct{}

// WithTenantScope 注入租户作用域，存储层据此追加 tenant 过滤。
func WithTenantScope(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantScopeKey{}, &tenantScope{TenantID: tenantID})
}

// TenantScopeFrom 读取租户作用域。
func TenantScopeFrom(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(tenantScopeKey{}).(*tenantScope)
	if !ok || scope == nil || scope.TenantID == "" {
		return "", false
	}
	return scope.TenantID, true
}
