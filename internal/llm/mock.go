package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	Parts []Part
	Usage Usage
	Error error
}

// MockClient is a scripted Client for testing. Responses are returned in
// order; when exhausted, the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []Request
}

// NewMockClient creates a mock client with a sequence of responses.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Generate returns the next configured response.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}

	resp := m.responses[idx]
	if resp.Error != nil {
		return nil, resp.Error
	}

	return &Response{Parts: resp.Parts, Usage: resp.Usage, Model: req.Model}, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns the number of Generate invocations.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}

// TextPart builds a text response part.
func TextPart(text string) Part { return Part{Text: text} }

// CallPart builds a tool-call response part.
func CallPart(id, name string, args map[string]any) Part {
	return Part{Call: &ToolCall{ID: id, Name: name, Args: args}}
}

// CallPartWithToken builds a tool-call part carrying a continuation token.
func CallPartWithToken(id, name string, args map[string]any, token string) Part {
	return Part{Call: &ToolCall{ID: id, Name: name, Args: args, Continuation: token}}
}
