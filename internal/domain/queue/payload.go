package queue

import (
	"encoding/json"
	"fmt"
	"slices"

	"agentdesk/internal/domain/chunking"
)

// Payload 任务载荷。封闭集合，只有本包内的类型可以实现。
type Payload interface {
	JobType() JobType
	sealed()
}

// FileRef 每个文件任务都带的定位信息
type FileRef struct {
	FileID   string `json:"file_id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

type ExtractTextPayload struct {
	FileRef
	StorageKey  string `json:"storage_key"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type ChunkTextPayload struct {
	FileRef
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Text        string            `json:"text"`
	Strategy    chunking.Strategy `json:"strategy,omitempty"`
}

type GenerateEmbeddingsPayload struct {
	FileRef
	FileName string           `json:"file_name"`
	Chunks   []chunking.Chunk `json:"chunks"`
}

// EmbeddedChunk 分块及其向量
type EmbeddedChunk struct {
	chunking.Chunk
	Vector []float32 `json:"vector"`
}

type StoreVectorsPayload struct {
	FileRef
	FileName string          `json:"file_name"`
	Model    string          `json:"model"`
	Chunks   []EmbeddedChunk `json:"chunks"`
}

// DeleteStep 删除流程的步骤
type DeleteStep string

const (
	DeleteStepStorage  DeleteStep = "storage"
	DeleteStepVectors  DeleteStep = "vectors"
	DeleteStepRegistry DeleteStep = "registry"
)

// DeleteFilePayload Done 记录已完成步骤，重试时跳过
type DeleteFilePayload struct {
	FileRef
	StorageKey string       `json:"storage_key,omitempty"`
	Done       []DeleteStep `json:"done,omitempty"`
}

// HasDone 步骤是否已完成
func (p *DeleteFilePayload) HasDone(step DeleteStep) bool {
	return slices.Contains(p.Done, step)
}

// MarkDone 标记步骤完成
func (p *DeleteFilePayload) MarkDone(step DeleteStep) {
	if !p.HasDone(step) {
		p.Done = append(p.Done, step)
	}
}

// BatchDeleteFilesPayload Outcomes 记录每个文件的处理结果（ok 或错误信息），
// Steps 记录尚未出结果的文件已完成的删除步骤
type BatchDeleteFilesPayload struct {
	TenantID string                  `json:"tenant_id"`
	FileIDs  []string                `json:"file_ids"`
	Outcomes map[string]string       `json:"outcomes,omitempty"`
	Steps    map[string][]DeleteStep `json:"steps,omitempty"`
}

func (ExtractTextPayload) JobType() JobType        { return JobExtractText }
func (ChunkTextPayload) JobType() JobType          { return JobChunkText }
func (GenerateEmbeddingsPayload) JobType() JobType { return JobGenerateEmbeddings }
func (StoreVectorsPayload) JobType() JobType       { return JobStoreVectors }
func (DeleteFilePayload) JobType() JobType         { return JobDeleteFile }
func (BatchDeleteFilesPayload) JobType() JobType   { return JobBatchDeleteFiles }

func (ExtractTextPayload) sealed()        {}
func (ChunkTextPayload) sealed()          {}
func (GenerateEmbeddingsPayload) sealed() {}
func (StoreVectorsPayload) sealed()       {}
func (DeleteFilePayload) sealed()         {}
func (BatchDeleteFilesPayload) sealed()   {}

// DecodePayload 按任务类型解码载荷
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case JobExtractText:
		var v ExtractTextPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobChunkText:
		var v ChunkTextPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobGenerateEmbeddings:
		var v GenerateEmbeddingsPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobStoreVectors:
		var v StoreVectorsPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobDeleteFile:
		var v DeleteFilePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobBatchDeleteFiles:
		var v BatchDeleteFilesPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// TenantOf 载荷所属租户
func TenantOf(p Payload) string {
	switch v := p.(type) {
	case ExtractTextPayload:
		return v.TenantID
	case ChunkTextPayload:
		return v.TenantID
	case GenerateEmbeddingsPayload:
		return v.TenantID
	case StoreVectorsPayload:
		return v.TenantID
	case DeleteFilePayload:
		return v.TenantID
	case BatchDeleteFilesPayload:
		return v.TenantID
	default:
		return ""
	}
}
