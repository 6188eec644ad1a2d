package rag

import "agentdesk/internal/provider"

// TokenEstimator Token 估算器
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// SimpleTokenEstimator 英文约 4 字符 ≈ 1 token，中文约 1.5 字符 ≈ 1 token。
// 取保守估计：rune 数量 * 2 / 3
type SimpleTokenEstimator struct{}

func (SimpleTokenEstimator) EstimateTokens(text string) int {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	return max(runes*2/3, 1)
}

// messageOverhead 每条消息的 role 标记开销
const messageOverhead = 4

// EstimateMessages 批量估算消息列表的 Token 数
func EstimateMessages(estimator TokenEstimator, messages []provider.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverhead
		total += estimator.EstimateTokens(msg.Content)
	}
	return total
}
