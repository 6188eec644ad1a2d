package rag

import (
	"fmt"
	"strings"

	"agentdesk/internal/domain/port"
)

// Passage 进入上下文的检索片段
type Passage struct {
	Match   port.VectorMatch
	Content string
	// Truncated 为了放进预算被截断
	Truncated bool
}

// AssembleContext 按检索顺序装入片段直到 token 预算用完。
// 第一条片段单独超出预算时截断后放入，保证有上下文可用。
func AssembleContext(matches []port.VectorMatch, budget int, estimator TokenEstimator) []Passage {
	if budget <= 0 || len(matches) == 0 {
		return nil
	}
	var out []Passage
	used := 0
	for _, m := range matches {
		content := strings.TrimSpace(m.Payload.Content)
		if content == "" {
			continue
		}
		cost := estimator.EstimateTokens(content) + messageOverhead
		if used+cost <= budget {
			out = append(out, Passage{Match: m, Content: content})
			used += cost
			continue
		}
		if len(out) == 0 {
			out = append(out, Passage{Match: m, Content: truncateTokens(content, budget-messageOverhead, estimator), Truncated: true})
		}
		break
	}
	return out
}

// truncateTokens 按 rune 二分截断到预算以内
func truncateTokens(text string, budget int, estimator TokenEstimator) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimator.EstimateTokens(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// FormatContext 拼接上下文块，每段带编号与来源
func FormatContext(passages []Passage) string {
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] ", i+1)
		sb.WriteString(p.Content)
		if name := p.Match.Payload.FileName; name != "" {
			fmt.Fprintf(&sb, "\n(source: %s, chunk %d)", name, p.Match.Payload.ChunkIndex)
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// Preview 截取前 n 个字符
func Preview(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	if n <= 0 || len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n])
}

// Sources 生成溯源列表
func Sources(passages []Passage, previewChars int) []port.RAGSource {
	out := make([]port.RAGSource, 0, len(passages))
	for _, p := range passages {
		out = append(out, port.RAGSource{
			ChunkID:    p.Match.ID,
			FileID:     p.Match.Payload.FileID,
			FileName:   p.Match.Payload.FileName,
			ChunkIndex: p.Match.Payload.ChunkIndex,
			Score:      p.Match.Score,
			Preview:    Preview(p.Match.Payload.Content, previewChars),
		})
	}
	return out
}
