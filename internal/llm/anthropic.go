package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/clipsmith/clipsmith/internal/telemetry"
)

// AnthropicClient implements Client using the Anthropic Messages API.
// Retries are handled by our own policy, so the SDK's are disabled.
type AnthropicClient struct {
	client anthropic.Client
	retry  retryPolicy
}

// NewAnthropicClient creates a client that reads ANTHROPIC_API_KEY from
// the environment.
func NewAnthropicClient() *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithMaxRetries(0)),
		retry:  defaultRetry,
	}
}

// NewAnthropicClientWithKey creates a client with an explicit API key.
func NewAnthropicClientWithKey(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		retry:  defaultRetry,
	}
}

// NewAnthropicClientWithBaseURL targets a custom endpoint. Tests point
// it at a local httptest server.
func NewAnthropicClientWithBaseURL(apiKey, baseURL string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithMaxRetries(0),
		),
		retry: defaultRetry,
	}
}

// requiredList coerces the schema's required entry: []string when the
// schema was built in-process, []any when it was decoded from JSON.
func requiredList(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Generate sends a non-streaming request, retrying transient failures.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params := c.buildParams(req)

	var msg *anthropic.Message
	err := c.retry.do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		m, err := c.client.Messages.New(callCtx, params)
		if err != nil {
			return classifyAnthropicErr(err)
		}
		msg = m
		return nil
	})
	if err != nil {
		telemetry.ProviderRequests.WithLabelValues("anthropic", "error").Inc()
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}
	telemetry.ProviderRequests.WithLabelValues("anthropic", "ok").Inc()

	resp := c.parseResponse(msg)
	telemetry.TokensUsed.WithLabelValues("anthropic", "input").Add(float64(resp.Usage.InputTokens))
	telemetry.TokensUsed.WithLabelValues("anthropic", "output").Add(float64(resp.Usage.OutputTokens))
	return resp, nil
}

// classifyAnthropicErr marks transport errors, timeouts and retryable
// HTTP statuses as transient.
func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if retryableStatus(apierr.StatusCode) {
			return transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Non-API failures (connection reset, timeout) are worth retrying.
	return transient(err)
}

func (c *AnthropicClient) buildParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			if len(m.ToolResults) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
				for _, tr := range m.ToolResults {
					blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
				}
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewTextBlock(m.Content),
				))
			}
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
				if m.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(m.Content))
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewAssistantMessage(
					anthropic.NewTextBlock(m.Content),
				))
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.Gen.MaxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	params.Temperature = param.NewOpt(req.Gen.Temperature)
	if req.Gen.TopK > 0 {
		params.TopK = param.NewOpt(int64(req.Gen.TopK))
	}
	if req.Gen.TopP > 0 {
		params.TopP = param.NewOpt(req.Gen.TopP)
	}

	switch req.ToolChoice {
	case ChoiceAny:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ChoiceNone:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case ChoiceAuto:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			// The wire envelope already has type/properties/required at
			// the top level; only the inner pieces go into the param.
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: t.InputSchema["properties"],
						Required:   requiredList(t.InputSchema["required"]),
					},
				},
			})
		}
		params.Tools = tools
	}

	return params
}

func (c *AnthropicClient) parseResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Parts = append(resp.Parts, Part{Text: block.Text})
		case "tool_use":
			args := make(map[string]any)
			if err := json.Unmarshal(block.Input, &args); err != nil {
				slog.Warn("anthropic: failed to unmarshal tool input", "tool", block.Name, "id", block.ID, "error", err)
				args = map[string]any{"_error": fmt.Sprintf("failed to parse tool input: %v", err)}
			}
			resp.Parts = append(resp.Parts, Part{Call: &ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			}})
		}
	}

	return resp
}
