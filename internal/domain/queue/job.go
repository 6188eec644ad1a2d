package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobType 固定的任务类型枚举
type JobType string

const (
	JobExtractText        JobType = "extract-text"
	JobChunkText          JobType = "chunk-text"
	JobGenerateEmbeddings JobType = "generate-embeddings"
	JobStoreVectors       JobType = "store-vectors"
	JobDeleteFile         JobType = "delete-file"
	JobBatchDeleteFiles   JobType = "batch-delete-files"
)

// Priority 数值越小越先执行
type Priority int

const (
	PriorityUrgent     Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// Valid 是否在 1..5 之间
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityBackground
}

// State 任务状态
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal 终态任务只能被 Clean 移除
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobActive   = errors.New("job is already running")
	ErrJobFinished = errors.New("job already finished")
	ErrJobNotOwned = errors.New("job is not active")
)

// StalledReason 租约过期被回收的任务的失败原因
const StalledReason = "job stalled: worker lease expired"

// BackoffType 退避类型
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffPolicy 重试退避策略
type BackoffPolicy struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next 第 attempt 次失败后的等待时间（attempt 从 1 开始）：指数退避为 delay * 2^(attempt-1)。
func (b BackoffPolicy) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == BackoffFixed {
		return b.Delay
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<shift)
}

// EnqueueOptions 入队参数，零值字段取默认值。
type EnqueueOptions struct {
	Priority    Priority
	Delay       time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
	// JobKey 相同 key 的任务在等待或执行中时不会重复入队
	JobKey string
}

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 2 * time.Second
	// DefaultLease worker 在这段时间内没有续约，任务视为停滞
	DefaultLease = 2 * time.Minute
)

// WithDefaults 填充零值字段
func (o EnqueueOptions) WithDefaults() EnqueueOptions {
	if !o.Priority.Valid() {
		o.Priority = PriorityNormal
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = DefaultBackoffDelay
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Attempt 单次执行记录
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Job 队列中的一个任务
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Type          JobType         `json:"type"`
	Payload       Payload         `json:"-"`
	Priority      Priority        `json:"priority"`
	Key           string          `json:"key,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Backoff       BackoffPolicy   `json:"backoff"`
	State         State           `json:"state"`
	Progress      int             `json:"progress"`
	FailureReason string          `json:"failure_reason,omitempty"`
	AttemptLog    []Attempt       `json:"attempt_log,omitempty"`
	Deferrals     int             `json:"deferrals,omitempty"`   // 资源占用导致的延后次数，不计入 Attempts
	LeaseUntil    *time.Time      `json:"lease_until,omitempty"` // 领取时的租约到期时间
	Result        json.RawMessage `json:"result,omitempty"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
	RunAt         time.Time       `json:"run_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// LastAttempt 当前执行是否已是最后一次机会
func (j *Job) LastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

type jobJSON struct {
	*jobAlias
	Payload json.RawMessage `json:"payload"`
}

type jobAlias Job

// MarshalJSON 载荷按任务类型编码
func (j *Job) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobJSON{jobAlias: (*jobAlias)(j), Payload: raw})
}

// UnmarshalJSON 根据 type 还原具体载荷类型
func (j *Job) UnmarshalJSON(data []byte) error {
	aux := jobJSON{jobAlias: (*jobAlias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(j.Type, aux.Payload)
	if err != nil {
		return err
	}
	j.Payload = p
	return nil
}

// Clone 深拷贝（载荷经 JSON 往返）
func (j *Job) Clone() (*Job, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("clone job %s: %w", j.ID, err)
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone job %s: %w", j.ID, err)
	}
	return &out, nil
}

// JobStatus 对外的状态视图
type JobStatus struct {
	ID            string  `json:"id"`
	Type          JobType `json:"type"`
	State         State   `json:"state"`
	Progress      int     `json:"progress"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// StatusOf 从任务生成状态视图
func StatusOf(j *Job) *JobStatus {
	return &JobStatus{
		ID:            j.ID,
		Type:          j.Type,
		State:         j.State,
		Progress:      j.Progress,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		FailureReason: j.FailureReason,
	}
}

// Stats 各状态任务数
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
