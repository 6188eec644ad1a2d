package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"agentdesk/internal/domain/port"
)

// FailureMarkerPrefix 提取失败时返回文本的前缀
const FailureMarkerPrefix = "[extraction failed: "

// 平均每页少于该字符数视为扫描件
const scannedCharsPerPage = 50

// Result 提取结果。Meta.Failed 为 true 时 Text 是失败标记文本。
type Result struct {
	Text string
	Meta port.ExtractionMeta
}

// Extractor 文本提取。格式不支持或解析失败不返回 error，只有 ctx 结束时返回 error。
type Extractor struct {
	registry *Registry
	now      func() time.Time
}

func NewExtractor(registry *Registry) *Extractor {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Extractor{registry: registry, now: time.Now}
}

// Extract 提取纯文本并统计页数、词数、字符数
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, contentType string) (*Result, error) {
	start := e.now()
	parser, ok := e.registry.Lookup(filename, contentType)
	if !ok {
		kind := strings.ToLower(filepath.Ext(filename))
		if kind == "" {
			kind = contentType
		}
		res := failed(fmt.Sprintf("unsupported file type %s", kind), "")
		res.Meta.Unsupported = true
		return e.finish(res, start), nil
	}

	type parsed struct {
		doc *Document
		err error
	}
	ch := make(chan parsed, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- parsed{err: fmt.Errorf("parser panic: %v", r)}
			}
		}()
		doc, err := parser.Parse(bytes.NewReader(data), filename)
		ch <- parsed{doc: doc, err: err}
	}()

	var out parsed
	select {
	case <-ctx.Done():
		return nil, port.Transient("extract", ctx.Err())
	case out = <-ch:
	}

	if out.err != nil {
		return e.finish(failed(out.err.Error(), ""), start), nil
	}
	doc := out.doc
	if strings.TrimSpace(doc.Text) == "" {
		res := failed("no extractable text", doc.Format)
		res.Meta.Pages = doc.Pages
		res.Meta.LikelyScanned = doc.Pages > 0
		return e.finish(res, start), nil
	}

	chars := utf8.RuneCountInString(doc.Text)
	res := &Result{
		Text: doc.Text,
		Meta: port.ExtractionMeta{
			Format: doc.Format,
			Pages:  doc.Pages,
			Words:  len(strings.Fields(doc.Text)),
			Chars:  chars,
			Title:  doc.Title,
		},
	}
	res.Meta.LikelyScanned = LikelyScanned(doc.Pages, chars)
	return e.finish(res, start), nil
}

// LikelyScanned 有页数但平均每页文字极少
func LikelyScanned(pages, chars int) bool {
	return pages > 0 && chars/pages < scannedCharsPerPage
}

// IsFailureMarker 判断文本是否为提取失败标记
func IsFailureMarker(text string) bool {
	return strings.HasPrefix(text, FailureMarkerPrefix)
}

func failed(detail, format string) *Result {
	text := FailureMarkerPrefix + detail + "]"
	return &Result{
		Text: text,
		Meta: port.ExtractionMeta{
			Format:        format,
			Failed:        true,
			FailureDetail: detail,
			Chars:         utf8.RuneCountInString(text),
			Words:         len(strings.Fields(text)),
		},
	}
}

func (e *Extractor) finish(res *Result, start time.Time) *Result {
	now := e.now()
	res.Meta.ElapsedMs = now.Sub(start).Milliseconds()
	res.Meta.CompletedAt = now
	return res
}
