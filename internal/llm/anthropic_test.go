package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clipsmith/clipsmith/internal/telemetry"
)

const anthropicStubReply = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-5",
	"content": [{"type": "text", "text": "ok"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 2}
}`

// anthropicStub captures the raw request body and replies with a fixed
// message.
func anthropicStub(t *testing.T) (*AnthropicClient, *[]byte) {
	t.Helper()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading request body: %v", err)
		}
		body = raw
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(anthropicStubReply))
	}))
	t.Cleanup(srv.Close)
	return NewAnthropicClientWithBaseURL("test-key", srv.URL), &body
}

func TestAnthropicToolSchemaOnWire(t *testing.T) {
	client, body := anthropicStub(t)

	_, err := client.Generate(context.Background(), Request{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleUser, Content: "trim my clip"},
		},
		Tools: []ToolDefinition{{
			Name:        "trim_video",
			Description: "Trim a video",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input_file": map[string]any{"type": "string"},
					"start":      map[string]any{"type": "number"},
				},
				"required": []string{"input_file", "start"},
			},
		}},
		Gen:        GenConfig{MaxTokens: 1024},
		ToolChoice: ChoiceAny,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var wire struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema struct {
				Type       string                    `json:"type"`
				Properties map[string]map[string]any `json:"properties"`
				Required   []string                  `json:"required"`
			} `json:"input_schema"`
		} `json:"tools"`
		ToolChoice struct {
			Type string `json:"type"`
		} `json:"tool_choice"`
	}
	if err := json.Unmarshal(*body, &wire); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if len(wire.Tools) != 1 {
		t.Fatalf("tools = %d", len(wire.Tools))
	}

	schema := wire.Tools[0].InputSchema
	if schema.Type != "object" {
		t.Errorf("input_schema.type = %q", schema.Type)
	}
	// The actual parameters sit directly under properties; a nested
	// envelope would surface as keys named type/properties/required.
	if _, ok := schema.Properties["input_file"]; !ok {
		t.Errorf("properties missing input_file: %v", schema.Properties)
	}
	if _, ok := schema.Properties["properties"]; ok {
		t.Errorf("schema envelope nested inside properties: %v", schema.Properties)
	}
	if len(schema.Required) != 2 || schema.Required[0] != "input_file" {
		t.Errorf("required = %v", schema.Required)
	}
	if wire.ToolChoice.Type != "any" {
		t.Errorf("tool_choice.type = %q", wire.ToolChoice.Type)
	}
}

func TestAnthropicToolResultsOnWire(t *testing.T) {
	client, body := anthropicStub(t)

	_, err := client.Generate(context.Background(), Request{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleUser, Content: "trim my clip"},
			{Role: RoleAssistant, Content: "Trimming now.", ToolCalls: []ToolCall{
				{ID: "toolu_01", Name: "trim_video", Args: map[string]any{"start": 5.0}},
			}},
			{Role: RoleUser, ToolResults: []ToolResult{
				{CallID: "toolu_01", Name: "trim_video", Content: "done", IsError: false},
			}},
		},
		Gen: GenConfig{MaxTokens: 1024},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var wire struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string `json:"type"`
				ToolUseID string `json:"tool_use_id"`
				ID        string `json:"id"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(*body, &wire); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if len(wire.Messages) != 3 {
		t.Fatalf("messages = %d", len(wire.Messages))
	}
	assistant := wire.Messages[1]
	if assistant.Role != "assistant" || assistant.Content[1].Type != "tool_use" || assistant.Content[1].ID != "toolu_01" {
		t.Errorf("assistant turn: %+v", assistant)
	}
	results := wire.Messages[2]
	if results.Role != "user" || results.Content[0].Type != "tool_result" || results.Content[0].ToolUseID != "toolu_01" {
		t.Errorf("result turn: %+v", results)
	}
}

func TestAnthropicParsesUsage(t *testing.T) {
	client, _ := anthropicStub(t)

	reqBefore := testutil.ToFloat64(telemetry.ProviderRequests.WithLabelValues("anthropic", "ok"))
	inBefore := testutil.ToFloat64(telemetry.TokensUsed.WithLabelValues("anthropic", "input"))

	resp, err := client.Generate(context.Background(), Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Gen:      GenConfig{MaxTokens: 64},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.Parts) != 1 || resp.Parts[0].Text != "ok" {
		t.Errorf("parts = %+v", resp.Parts)
	}

	if got := testutil.ToFloat64(telemetry.ProviderRequests.WithLabelValues("anthropic", "ok")); got != reqBefore+1 {
		t.Errorf("request count = %v, want %v", got, reqBefore+1)
	}
	if got := testutil.ToFloat64(telemetry.TokensUsed.WithLabelValues("anthropic", "input")); got != inBefore+10 {
		t.Errorf("input tokens = %v, want %v", got, inBefore+10)
	}
}
