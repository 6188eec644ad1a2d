package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Strategy 分块策略
type Strategy string

const (
	StrategyRecursive Strategy = "recursive"
	StrategyMarkdown  Strategy = "markdown"
	StrategyParagraph Strategy = "paragraph"
	StrategySentence  Strategy = "sentence"
	StrategyQA        Strategy = "qa"
)

// ErrUnknownStrategy 显式指定了未注册的策略
var ErrUnknownStrategy = errors.New("unknown chunking strategy")

// ParseStrategy 解析策略名，空串返回空策略（交给自动选择）。
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return "", nil
	case StrategyRecursive, StrategyMarkdown, StrategyParagraph, StrategySentence, StrategyQA:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Chunk 分块结果。Start/End 为规范化文本中的 rune 偏移，左闭右开。
type Chunk struct {
	Index     int      `json:"index"`
	Content   string   `json:"content"`
	Hash      string   `json:"hash"`
	Start     int      `json:"start"`
	End       int      `json:"end"`
	Strategy  Strategy `json:"strategy"`
	OverLimit bool     `json:"over_limit,omitempty"`
}

// Len 返回内容 rune 数
func (c Chunk) Len() int {
	return len([]rune(c.Content))
}

// Result 一次分块的输出
type Result struct {
	Chunks       []Chunk  `json:"chunks"`
	Strategy     Strategy `json:"strategy"`
	DroppedShort int      `json:"dropped_short"`
	OverLimit    int      `json:"over_limit"`
}

// AvgChars 平均块长
func (r *Result) AvgChars() int {
	if len(r.Chunks) == 0 {
		return 0
	}
	total := 0
	for _, c := range r.Chunks {
		total += c.Len()
	}
	return total / len(r.Chunks)
}

// ContentHash 返回内容的 sha256 十六进制串
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type span struct {
	start int
	end   int
}

func (s span) len() int { return s.end - s.start }
