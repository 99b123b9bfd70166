package llm

import "sync"

// TokenTracker accumulates token usage across the calls of one job.
type TokenTracker struct {
	mu   sync.Mutex
	used Usage
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from a single call.
func (t *TokenTracker) Add(usage Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used.InputTokens += usage.InputTokens
	t.used.OutputTokens += usage.OutputTokens
}

// Usage returns the cumulative usage.
func (t *TokenTracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// EstimateTokens approximates the token count of text where true usage is
// unavailable: one token per four characters, rounded up.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
