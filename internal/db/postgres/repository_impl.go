package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

type Repository struct {
	db *sql.DB
}

var _ port.Repository = (*Repository)(nil)

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 启动时建表
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS files (
		id            UUID PRIMARY KEY,
		tenant_id     VARCHAR(64) NOT NULL,
		agent_id      VARCHAR(64) NOT NULL,
		uploader_id   VARCHAR(255) NOT NULL DEFAULT '',
		name          VARCHAR(512) NOT NULL,
		content_type  VARCHAR(255) NOT NULL DEFAULT '',
		size          BIGINT NOT NULL DEFAULT 0,
		content_hash  VARCHAR(64) NOT NULL DEFAULT '',
		storage_key   TEXT NOT NULL,
		storage_url   TEXT NOT NULL DEFAULT '',
		status        VARCHAR(32) NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}',
		error_reason  VARCHAR(64) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		failed_stage  VARCHAR(32) NOT NULL DEFAULT '',
		last_job_id   VARCHAR(64) NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_files_agent ON files(tenant_id, agent_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_files_hash ON files(agent_id, content_hash) WHERE status = 'completed';

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id            UUID PRIMARY KEY,
		tenant_id     VARCHAR(64) NOT NULL,
		agent_id      VARCHAR(64) NOT NULL,
		visitor_id    VARCHAR(255) NOT NULL DEFAULT '',
		title         VARCHAR(255) NOT NULL DEFAULT '',
		message_count INT NOT NULL DEFAULT 0,
		token_count   INT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent ON chat_sessions(tenant_id, agent_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id           UUID PRIMARY KEY,
		session_id   UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role         VARCHAR(16) NOT NULL,
		content      TEXT NOT NULL,
		tokens_used  INT NOT NULL DEFAULT 0,
		rag_metadata JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at DESC);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// --- File ---

const fileColumns = `id, tenant_id, agent_id, uploader_id, name, content_type, size, content_hash,
	storage_key, storage_url, status, metadata, error_reason, error_message, failed_stage, last_job_id,
	created_at, updated_at`

func (r *Repository) CreateFile(ctx context.Context, f *port.File) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = port.FileStatusUploading
	}
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		f.ID, f.TenantID, f.AgentID, f.UploaderID, f.Name, f.ContentType, f.Size, f.ContentHash,
		f.StorageKey, f.StorageURL, f.Status, meta, f.ErrorReason, f.ErrorMessage, f.FailedStage, f.LastJobID,
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id string) (*port.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	args := []interface{}{id}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	f, err := scanFile(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *Repository) ListFiles(ctx context.Context, agentID string) ([]*port.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE agent_id = $1`
	args := []interface{}{agentID}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*port.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *Repository) FindCompletedByHash(ctx context.Context, agentID, contentHash string) (*port.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE agent_id = $1 AND content_hash = $2 AND status = $3`
	args := []interface{}{agentID, contentHash, port.FileStatusCompleted}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $4`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at ASC LIMIT 1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// TransitionFile 单条 UPDATE 完成条件迁移，metadata 按顶层 key 合并
func (r *Repository) TransitionFile(ctx context.Context, id string, upd port.StatusUpdate) (bool, error) {
	if len(upd.From) == 0 {
		return false, fmt.Errorf("transition %s: empty From", id)
	}
	patch := []byte("{}")
	if upd.Metadata != nil {
		var err error
		if patch, err = json.Marshal(upd.Metadata); err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	from := make([]string, len(upd.From))
	for i, s := range upd.From {
		from[i] = string(s)
	}

	query := `UPDATE files SET
			status = $1,
			metadata = metadata || $2::jsonb,
			error_reason = $3,
			error_message = $4,
			failed_stage = $5,
			last_job_id = COALESCE(NULLIF($6, ''), last_job_id),
			updated_at = NOW()
		WHERE id = $7 AND status = ANY($8)`
	args := []interface{}{upd.To, patch, upd.ErrorReason, upd.ErrorMessage, upd.FailedStage, upd.LastJobID, id, pq.Array(from)}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $9`
		args = append(args, tenantID)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		applog.Debug("[Storage/File] Transition skipped", "file_id", id, "to", upd.To)
	}
	return n > 0, nil
}

func (r *Repository) SetLastJob(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE files SET last_job_id = $1, updated_at = NOW() WHERE id = $2`, jobID, id)
	return err
}

func (r *Repository) DeleteFile(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM files WHERE id = $1`
	args := []interface{}{id}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*port.File, error) {
	f := &port.File{}
	var meta []byte
	err := row.Scan(
		&f.ID, &f.TenantID, &f.AgentID, &f.UploaderID, &f.Name, &f.ContentType, &f.Size, &f.ContentHash,
		&f.StorageKey, &f.StorageURL, &f.Status, &meta, &f.ErrorReason, &f.ErrorMessage, &f.FailedStage, &f.LastJobID,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			applog.Warn("[Storage/File] Failed to parse metadata", "file_id", f.ID, "error", err)
		}
	}
	return f, nil
}

// --- Chat ---

func (r *Repository) CreateSession(ctx context.Context, s *port.ChatSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, tenant_id, agent_id, visitor_id, title, message_count, token_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TenantID, s.AgentID, s.VisitorID, s.Title, s.MessageCount, s.TokenCount, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (*port.ChatSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	query := `SELECT id, tenant_id, agent_id, visitor_id, title, message_count, token_count, created_at, updated_at
		FROM chat_sessions WHERE id = $1`
	args := []interface{}{id}
	if tenantID, ok := port.TenantScopeFrom(ctx); ok {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	s := &port.ChatSession{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&s.ID, &s.TenantID, &s.AgentID, &s.VisitorID, &s.Title, &s.MessageCount, &s.TokenCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AppendMessages 在一个事务里写入消息并累加会话计数
func (r *Repository) AppendMessages(ctx context.Context, sessionID string, msgs []*port.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tokens := 0
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		m.SessionID = sessionID
		var rag interface{}
		if m.RAG != nil {
			data, err := json.Marshal(m.RAG)
			if err != nil {
				return fmt.Errorf("marshal rag metadata: %w", err)
			}
			rag = data
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, session_id, role, content, tokens_used, rag_metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, sessionID, m.Role, m.Content, m.TokensUsed, rag, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		tokens += m.TokensUsed
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET message_count = message_count + $1, token_count = token_count + $2, updated_at = NOW()
		 WHERE id = $3`,
		len(msgs), tokens, sessionID,
	); err != nil {
		return fmt.Errorf("update chat session counters: %w", err)
	}
	return tx.Commit()
}

func (r *Repository) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*port.ChatMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tokens_used, rag_metadata, created_at FROM (
			SELECT * FROM chat_messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT `+strconv.Itoa(limit)+`
		) recent ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []*port.ChatMessage
	for rows.Next() {
		m := &port.ChatMessage{}
		var rag []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokensUsed, &rag, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(rag) > 0 {
			m.RAG = &port.RAGMetadata{}
			if err := json.Unmarshal(rag, m.RAG); err != nil {
				m.RAG = nil
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
