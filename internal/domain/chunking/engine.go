package chunking

import (
	"fmt"
	"mime"
	"strings"
	"unicode"

	applog "agentdesk/internal/platform/log"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultMinLength    = 50

	// 超过该大小且 MIME 无映射的文档按段落切，避免逐字符递归
	largeDocumentBytes = 1 << 20
)

// Options 单次分块参数，零值字段取引擎默认值。
type Options struct {
	Strategy     Strategy
	MimeType     string
	SizeHint     int64
	ChunkSize    int
	ChunkOverlap int
	MinLength    int
	MaxLength    int
}

type spanFunc func(text []rune, whole span, p params) []span

// Engine 分块引擎
type Engine struct {
	defaults   Options
	strategies map[Strategy]spanFunc
	mimeTable  map[string]Strategy
}

// NewEngine 创建分块引擎
func NewEngine(defaults Options) *Engine {
	if defaults.ChunkSize <= 0 {
		defaults.ChunkSize = DefaultChunkSize
	}
	if defaults.ChunkOverlap <= 0 {
		defaults.ChunkOverlap = min(DefaultChunkOverlap, defaults.ChunkSize/5)
	}
	if defaults.MinLength <= 0 {
		defaults.MinLength = DefaultMinLength
	}
	return &Engine{
		defaults: defaults,
		strategies: map[Strategy]spanFunc{
			StrategyRecursive: recursiveSpans,
			StrategyMarkdown:  markdownSpans,
			StrategyParagraph: paragraphSpans,
			StrategySentence:  sentenceSpans,
			StrategyQA:        qaSpans,
		},
		mimeTable: map[string]Strategy{
			"text/markdown":   StrategyMarkdown,
			"text/x-markdown": StrategyMarkdown,
			"application/pdf": StrategyParagraph,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": StrategyParagraph,
			"text/plain": StrategyRecursive,
			"text/csv":   StrategyRecursive,
			"text/html":  StrategyRecursive,
		},
	}
}

// SelectStrategy 显式指定 > MIME 映射 > 大文件段落 > 递归兜底
func (e *Engine) SelectStrategy(opts Options) (Strategy, error) {
	if opts.Strategy != "" {
		if _, ok := e.strategies[opts.Strategy]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, opts.Strategy)
		}
		return opts.Strategy, nil
	}
	if s, ok := e.mimeTable[normalizeMime(opts.MimeType)]; ok {
		return s, nil
	}
	if opts.SizeHint > largeDocumentBytes {
		return StrategyParagraph, nil
	}
	return StrategyRecursive, nil
}

// Chunk 对文本分块。块内容为规范化文本的子串（去首尾空白），序号从 0 连续编号。
func (e *Engine) Chunk(text string, opts Options) (*Result, error) {
	strategy, err := e.SelectStrategy(opts)
	if err != nil {
		return nil, err
	}
	p, minLen, maxLen, err := e.resolve(opts)
	if err != nil {
		return nil, err
	}

	runes := []rune(NormalizeText(text))
	res := &Result{Strategy: strategy}
	if len(runes) == 0 {
		return res, nil
	}

	spans := e.strategies[strategy](runes, span{0, len(runes)}, p)

	var candidates []Chunk
	longest := 0
	for _, sp := range spans {
		sp = trimSpan(runes, sp)
		if sp.len() == 0 {
			continue
		}
		if sp.len() > longest {
			longest = sp.len()
		}
		candidates = append(candidates, Chunk{
			Content:  string(runes[sp.start:sp.end]),
			Start:    sp.start,
			End:      sp.end,
			Strategy: strategy,
		})
	}

	// 所有块都过短时保留全部，短文档也能入库
	dropShort := longest >= minLen
	for _, c := range candidates {
		n := c.End - c.Start
		if dropShort && n < minLen {
			res.DroppedShort++
			continue
		}
		if n > maxLen {
			c.OverLimit = true
			res.OverLimit++
		}
		c.Index = len(res.Chunks)
		c.Hash = ContentHash(c.Content)
		res.Chunks = append(res.Chunks, c)
	}

	if res.DroppedShort > 0 || res.OverLimit > 0 {
		applog.Debugf("[Chunking] strategy=%s chunks=%d dropped_short=%d over_limit=%d",
			strategy, len(res.Chunks), res.DroppedShort, res.OverLimit)
	}
	return res, nil
}

func (e *Engine) resolve(opts Options) (params, int, int, error) {
	size := opts.ChunkSize
	if size <= 0 {
		size = e.defaults.ChunkSize
	}
	overlap := opts.ChunkOverlap
	if overlap <= 0 {
		overlap = min(e.defaults.ChunkOverlap, size/5)
	}
	if overlap >= size {
		return params{}, 0, 0, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	minLen := opts.MinLength
	if minLen <= 0 {
		minLen = e.defaults.MinLength
	}
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = e.defaults.MaxLength
	}
	if maxLen <= 0 {
		maxLen = size + size/2
	}
	return params{size: size, overlap: overlap}, minLen, maxLen, nil
}

// NormalizeText 统一换行符，偏移基于规范化后的文本。
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func normalizeMime(mt string) string {
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func trimSpan(text []rune, sp span) span {
	for sp.start < sp.end && unicode.IsSpace(text[sp.start]) {
		sp.start++
	}
	for sp.end > sp.start && unicode.IsSpace(text[sp.end-1]) {
		sp.end--
	}
	return sp
}
