// Package llm defines the unified chat-completion abstraction over the
// two supported providers.
package llm

import (
	"context"
	"time"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolChoice controls whether the model may, must, or must not call tools.
type ToolChoice string

const (
	// ChoiceAuto lets the model decide between text and tool calls.
	ChoiceAuto ToolChoice = "auto"
	// ChoiceAny forces the model to emit at least one tool call.
	ChoiceAny ToolChoice = "any"
	// ChoiceNone forbids tool calls.
	ChoiceNone ToolChoice = "none"
)

// ToolCall is the model requesting a tool invocation.
//
// Continuation is an opaque per-call token some providers attach; it must
// be echoed byte-identical on the matching ToolResult and never
// interpreted.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Args         map[string]any `json:"args"`
	Continuation string         `json:"continuation,omitempty"`
}

// ToolResult is the outcome of a tool invocation sent back to the model.
// CallID correlates with the issuing ToolCall; Name is required by
// providers that address results by function name instead of ID.
type ToolResult struct {
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	IsError      bool   `json:"is_error,omitempty"`
	Continuation string `json:"continuation,omitempty"`
}

// Part is one element of a model response: either a text span or a tool
// call. Exactly one field is set. Parts preserve arrival order.
type Part struct {
	Text string    `json:"text,omitempty"`
	Call *ToolCall `json:"call,omitempty"`
}

// Message is a single transcript entry. An assistant message may carry
// tool calls; a user message may carry tool results (the wire role for
// tool results is provider-specific and handled by the adapter).
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition describes a tool available to the model, in the neutral
// schema form. Adapters project it into their provider's envelope.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// GenConfig holds generation parameters.
type GenConfig struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// DefaultGenConfig returns the generation parameters used for background
// editing jobs.
func DefaultGenConfig() GenConfig {
	return GenConfig{Temperature: 0.3, TopK: 40, TopP: 0.9, MaxTokens: 4096}
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Request is a single generation request.
type Request struct {
	Model      string           `json:"model"`
	System     string           `json:"system,omitempty"`
	Messages   []Message        `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	Gen        GenConfig        `json:"gen"`
	ToolChoice ToolChoice       `json:"tool_choice"`
}

// Response is the model's reply: ordered parts plus usage accounting.
type Response struct {
	Parts []Part `json:"parts"`
	Usage Usage  `json:"usage"`
	Model string `json:"model"`
}

// HasToolCalls reports whether any part is a tool call.
func (r *Response) HasToolCalls() bool {
	for _, p := range r.Parts {
		if p.Call != nil {
			return true
		}
	}
	return false
}

// requestTimeout is the per-request wall clock for a single provider call.
const requestTimeout = 120 * time.Second

// Client is the uniform interface over the provider dialects. Generate
// must honor ctx cancellation, aborting any in-flight request.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
