package extract_test

import (
	"io"
	"time"

	"agentdesk/internal/domain/extract"
)

// blockingParser 模拟卡住的解析器
type blockingParser struct{}

func (blockingParser) Extensions() []string { return []string{".blk"} }
func (blockingParser) MimeTypes() []string  { return nil }

func (blockingParser) Parse(io.Reader, string) (*extract.Document, error) {
	time.Sleep(time.Second)
	return &extract.Document{Text: "late"}, nil
}
