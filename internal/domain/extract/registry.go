package extract

import (
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry 解析器注册表，按扩展名优先、MIME 类型兜底查找
type Registry struct {
	mu     sync.RWMutex
	byExt  map[string]Parser
	byMime map[string]Parser
}

// NewRegistry 创建注册表并注册内置解析器
func NewRegistry() *Registry {
	r := &Registry{
		byExt:  make(map[string]Parser),
		byMime: make(map[string]Parser),
	}
	r.Register(&MarkdownParser{})
	r.Register(&PlainTextParser{})
	r.Register(&HTMLParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	return r
}

func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
	for _, mt := range p.MimeTypes() {
		r.byMime[strings.ToLower(mt)] = p
	}
}

// Lookup 没有匹配的解析器时返回 false
func (r *Registry) Lookup(filename, contentType string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if p, ok := r.byExt[ext]; ok {
			return p, true
		}
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			mt = strings.ToLower(strings.TrimSpace(contentType))
		}
		if p, ok := r.byMime[mt]; ok {
			return p, true
		}
	}
	return nil, false
}

// Extensions 已注册扩展名，排序后返回
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
