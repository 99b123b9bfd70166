// Package convo persists the durable, ordered conversation log that
// agent runs replay as chat history.
package convo

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session uuid resolves to no
// database row. Distinct from a session that exists with no messages.
var ErrSessionNotFound = errors.New("session not found")

// Role is the persisted message role. Labels follow the Gemini wire
// convention: assistant turns store as "model".
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "model"
	RoleFunction  Role = "function"
)

// ParseRole maps stored labels back to roles, accepting the aliases
// that older rows may carry. Unknown labels default to user.
func ParseRole(s string) Role {
	switch s {
	case "system":
		return RoleSystem
	case "user", "human":
		return RoleUser
	case "model", "assistant":
		return RoleAssistant
	case "function":
		return RoleFunction
	}
	return RoleUser
}

// Message is one persisted conversation turn. Token and cost fields
// are populated on assistant messages only.
type Message struct {
	ID        int
	SessionID string
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	CostUSD          float64
}

// NewSystem builds a system message for a session.
func NewSystem(session, content string) *Message {
	return &Message{SessionID: session, Role: RoleSystem, Content: content}
}

// NewUser builds a user message for a session.
func NewUser(session, content string) *Message {
	return &Message{SessionID: session, Role: RoleUser, Content: content}
}

// NewAssistant builds an assistant message for a session.
func NewAssistant(session, content string) *Message {
	return &Message{SessionID: session, Role: RoleAssistant, Content: content}
}

// NewFunctionCall records a tool invocation. The call payload lives in
// metadata so history replay can reconstruct the wire message,
// including the provider's opaque continuation token.
func NewFunctionCall(session, tool string, args map[string]any, continuation string) *Message {
	call := map[string]any{"name": tool, "arguments": args}
	if continuation != "" {
		call["thought_signature"] = continuation
	}
	return &Message{
		SessionID: session,
		Role:      RoleFunction,
		Content:   fmt.Sprintf("Called function: %s", tool),
		Metadata:  map[string]any{"function_call": call},
	}
}

// NewFunctionResult records a tool's observation.
func NewFunctionResult(session, tool, result, continuation string) *Message {
	resp := map[string]any{"name": tool, "content": result}
	if continuation != "" {
		resp["thought_signature"] = continuation
	}
	return &Message{
		SessionID: session,
		Role:      RoleFunction,
		Content:   fmt.Sprintf("Function %s result: %s", tool, result),
		Metadata:  map[string]any{"function_response": resp},
	}
}

// Store is the conversation log contract. Append preserves per-session
// total order; History returns the most-recent limit messages in
// chronological order, filtered to user and assistant turns.
type Store interface {
	InitSchema(ctx context.Context) error
	Append(ctx context.Context, m *Message) error
	History(ctx context.Context, session string, limit int) ([]Message, error)
	SessionDBID(ctx context.Context, session string) (int32, error)
}
