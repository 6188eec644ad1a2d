package extract

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "agentdesk/internal/platform/log"
)

// Document 解析结果
type Document struct {
	Text   string
	Format string
	Pages  int
	Title  string
}

// Parser 文档解析器
type Parser interface {
	Parse(reader io.Reader, filename string) (*Document, error)
	// Extensions 支持的扩展名（含点）
	Extensions() []string
	MimeTypes() []string
}

// ── Markdown ────────────────────────────────────────────────

// MarkdownParser 保留标题行结构，去掉行内格式标记，方便后续按标题分块
type MarkdownParser struct{}

var (
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownItalic = regexp.MustCompile(`\*([^*\n]+?)\*`)
	reMarkdownFence  = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reHTMLTag        = regexp.MustCompile(`<[^>]+>`)
	reMultiNewlines  = regexp.MustCompile(`\n{3,}`)
)

func (p *MarkdownParser) Extensions() []string { return []string{".md", ".markdown"} }
func (p *MarkdownParser) MimeTypes() []string  { return []string{"text/markdown", "text/x-markdown"} }

func (p *MarkdownParser) Parse(reader io.Reader, _ string) (*Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := string(data)

	title := ""
	for _, line := range strings.SplitN(text, "\n", 10) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimPrefix(line, "# ")
			break
		}
	}

	text = reMarkdownFence.ReplaceAllStringFunc(text, func(s string) string {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	})
	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownItalic.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reHTMLTag.ReplaceAllString(text, "")

	return &Document{
		Text:   strings.TrimSpace(cleanExtraNewlines(text)),
		Format: "markdown",
		Title:  title,
	}, nil
}

// ── Plain text ──────────────────────────────────────────────

// PlainTextParser 纯文本/CSV/JSON 等
type PlainTextParser struct{}

func (p *PlainTextParser) Extensions() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".xml", ".yaml", ".yml"}
}

func (p *PlainTextParser) MimeTypes() []string {
	return []string{"text/plain", "text/csv", "application/json", "application/xml", "text/xml", "application/x-yaml"}
}

func (p *PlainTextParser) Parse(reader io.Reader, filename string) (*Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text file %s is not valid utf-8", filename)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if format == "" {
		format = "text"
	}
	return &Document{Text: strings.TrimSpace(string(data)), Format: format}, nil
}

// ── HTML ────────────────────────────────────────────────────

// HTMLParser 去标签，保留块级元素换行
type HTMLParser struct{}

var (
	reHTMLScript = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reHTMLBlock  = regexp.MustCompile(`(?i)</?(p|div|br|li|h[1-6]|tr|section|article)[^>]*>`)
	reHTMLTitle  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reSpaces     = regexp.MustCompile(`[ \t]+`)
)

func (p *HTMLParser) Extensions() []string { return []string{".html", ".htm"} }
func (p *HTMLParser) MimeTypes() []string  { return []string{"text/html"} }

func (p *HTMLParser) Parse(reader io.Reader, _ string) (*Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	src := string(data)
	title := ""
	if m := reHTMLTitle.FindStringSubmatch(src); len(m) == 2 {
		title = strings.TrimSpace(html.UnescapeString(m[1]))
		src = strings.Replace(src, m[0], "", 1)
	}
	src = reHTMLScript.ReplaceAllString(src, "")
	src = reHTMLBlock.ReplaceAllString(src, "\n")
	src = reHTMLTag.ReplaceAllString(src, "")
	src = html.UnescapeString(src)
	src = reSpaces.ReplaceAllString(src, " ")

	lines := strings.Split(src, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return &Document{
		Text:   strings.TrimSpace(cleanExtraNewlines(strings.Join(lines, "\n"))),
		Format: "html",
		Title:  title,
	}, nil
}

// ── PDF ─────────────────────────────────────────────────────

// PDFParser 逐页提取文本，单页失败跳过
type PDFParser struct{}

func (p *PDFParser) Extensions() []string { return []string{".pdf"} }
func (p *PDFParser) MimeTypes() []string  { return []string{"application/pdf"} }

func (p *PDFParser) Parse(reader io.Reader, filename string) (*Document, error) {
	// pdf 库需要 io.ReaderAt + size
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[Extract/PDF] Failed to extract page text", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	return &Document{
		Text:   strings.TrimSpace(cleanExtraNewlines(sb.String())),
		Format: "pdf",
		Pages:  pages,
	}, nil
}

// ── DOCX ────────────────────────────────────────────────────

// DOCXParser 从 document.xml 中取 <w:t> 文本，</w:p> 作为段落边界
type DOCXParser struct{}

var (
	reDocxParagraphEnd = regexp.MustCompile(`</w:p>`)
	reDocxText         = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	reDocxTab          = regexp.MustCompile(`<w:tab/>`)
)

func (p *DOCXParser) Extensions() []string { return []string{".docx"} }
func (p *DOCXParser) MimeTypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (p *DOCXParser) Parse(reader io.Reader, _ string) (*Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	content = reDocxTab.ReplaceAllString(content, "<w:t>\t</w:t>")

	var sb strings.Builder
	for _, para := range reDocxParagraphEnd.Split(content, -1) {
		var line strings.Builder
		for _, m := range reDocxText.FindAllStringSubmatch(para, -1) {
			line.WriteString(html.UnescapeString(m[1]))
		}
		if s := strings.TrimSpace(line.String()); s != "" {
			sb.WriteString(s)
			sb.WriteString("\n\n")
		}
	}
	return &Document{
		Text:   strings.TrimSpace(cleanExtraNewlines(sb.String())),
		Format: "docx",
	}, nil
}

func cleanExtraNewlines(text string) string {
	return reMultiNewlines.ReplaceAllString(text, "\n\n")
}
