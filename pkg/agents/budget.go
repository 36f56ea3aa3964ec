package agents

import (
	"sync/atomic"
)

// Budget caps token and tool-call spend for one lease. Consumption is
// atomic; a false return means the cap is hit and the caller must stop.
type Budget struct {
	tokens    atomic.Int64
	toolCalls atomic.Int64
}

// NewBudget creates a budget with the given caps. Zero or negative caps
// mean unlimited.
func NewBudget(tokens, toolCalls int) *Budget {
	b := &Budget{}
	if tokens <= 0 {
		tokens = int(^uint(0) >> 2)
	}
	if toolCalls <= 0 {
		toolCalls = int(^uint(0) >> 2)
	}
	b.tokens.Store(int64(tokens))
	b.toolCalls.Store(int64(toolCalls))
	return b
}

// ConsumeTokens reserves n tokens, reporting whether the budget allowed it.
func (b *Budget) ConsumeTokens(n int) bool {
	if n <= 0 {
		return true
	}
	return b.tokens.Add(-int64(n)) >= 0
}

// ConsumeToolCall reserves one tool invocation.
func (b *Budget) ConsumeToolCall() bool {
	return b.toolCalls.Add(-1) >= 0
}

// TokensRemaining reports the unreserved token balance, floored at zero.
func (b *Budget) TokensRemaining() int {
	if v := b.tokens.Load(); v > 0 {
		return int(v)
	}
	return 0
}

// ToolCallsRemaining reports the unreserved tool-call balance.
func (b *Budget) ToolCallsRemaining() int {
	if v := b.toolCalls.Load(); v > 0 {
		return int(v)
	}
	return 0
}
