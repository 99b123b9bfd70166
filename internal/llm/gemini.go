package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clipsmith/clipsmith/internal/telemetry"
)

// GeminiClient implements Client against the generateContent REST API.
//
// The SDK surface does not round-trip thoughtSignature on function
// responses, which the multi-turn function-calling contract requires, so
// the wire format is spoken directly.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      retryPolicy
}

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// NewGeminiClient creates a client with the default endpoint.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithBaseURL(apiKey, defaultGeminiBaseURL)
}

// NewGeminiClientWithBaseURL creates a client against a custom endpoint.
// Used by tests to point at a local server.
func NewGeminiClientWithBaseURL(apiKey, baseURL string) *GeminiClient {
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		retry:      defaultRetry,
	}
}

// Wire types. Field names must match the REST API exactly; in particular
// thoughtSignature is echoed verbatim on functionResponse parts.

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiFuncCall struct {
	Name             string         `json:"name"`
	Args             map[string]any `json:"args"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty"`
}

type geminiFuncResp struct {
	Name             string         `json:"name"`
	Response         map[string]any `json:"response"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFuncCallingConfig `json:"functionCallingConfig"`
}

type geminiFuncCallingConfig struct {
	Mode string `json:"mode"` // AUTO, ANY or NONE
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Generate sends a generateContent request, retrying transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	wire := c.buildRequest(req)
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)

	var parsed geminiResponse
	err = c.retry.do(ctx, func() error {
		// A fresh request per attempt; bodies are never reused.
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transient(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return transient(fmt.Errorf("gemini: read response: %w", err))
		}
		if retryableStatus(resp.StatusCode) {
			return transient(fmt.Errorf("gemini: status %d: %s", resp.StatusCode, truncate(body, 256)))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, truncate(body, 256))
		}

		parsed = geminiResponse{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("gemini: parse response: %w", err)
		}
		if parsed.Error != nil {
			return fmt.Errorf("gemini: API error %d (%s): %s", parsed.Error.Code, parsed.Error.Status, parsed.Error.Message)
		}
		return nil
	})
	if err != nil {
		telemetry.ProviderRequests.WithLabelValues("gemini", "error").Inc()
		return nil, err
	}
	telemetry.ProviderRequests.WithLabelValues("gemini", "ok").Inc()

	resp := c.parseResponse(req.Model, &parsed)
	telemetry.TokensUsed.WithLabelValues("gemini", "input").Add(float64(resp.Usage.InputTokens))
	telemetry.TokensUsed.WithLabelValues("gemini", "output").Add(float64(resp.Usage.OutputTokens))
	return resp, nil
}

func (c *GeminiClient) buildRequest(req Request) geminiRequest {
	wire := geminiRequest{
		GenerationConfig: &geminiGenConfig{
			Temperature:     req.Gen.Temperature,
			TopK:            req.Gen.TopK,
			TopP:            req.Gen.TopP,
			MaxOutputTokens: req.Gen.MaxTokens,
		},
	}

	if req.System != "" {
		wire.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}

	for _, m := range req.Messages {
		switch {
		case len(m.ToolResults) > 0:
			// Function responses travel in a user-role content, one part
			// per result, preserving order and echoing the signature.
			parts := make([]geminiPart, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				parts = append(parts, geminiPart{FunctionResponse: &geminiFuncResp{
					Name:             tr.Name,
					Response:         map[string]any{"result": tr.Content},
					ThoughtSignature: tr.Continuation,
				}})
			}
			wire.Contents = append(wire.Contents, geminiContent{Role: "user", Parts: parts})

		case m.Role == RoleAssistant:
			parts := make([]geminiPart, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{
					Name:             tc.Name,
					Args:             tc.Args,
					ThoughtSignature: tc.Continuation,
				}})
			}
			wire.Contents = append(wire.Contents, geminiContent{Role: "model", Parts: parts})

		default:
			wire.Contents = append(wire.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.InputSchema),
			})
		}
		wire.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	mode := "AUTO"
	switch req.ToolChoice {
	case ChoiceAny:
		mode = "ANY"
	case ChoiceNone:
		mode = "NONE"
	}
	wire.ToolConfig = &geminiToolConfig{
		FunctionCallingConfig: geminiFuncCallingConfig{Mode: mode},
	}

	return wire
}

func (c *GeminiClient) parseResponse(model string, resp *geminiResponse) *Response {
	out := &Response{
		Model: model,
		Usage: Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}

	if len(resp.Candidates) == 0 {
		return out
	}

	calls := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			// Gemini does not issue call IDs; synthesize positional ones.
			out.Parts = append(out.Parts, Part{Call: &ToolCall{
				ID:           fmt.Sprintf("call_%d", calls),
				Name:         part.FunctionCall.Name,
				Args:         part.FunctionCall.Args,
				Continuation: part.FunctionCall.ThoughtSignature,
			}})
			calls++
		case part.Text != "":
			out.Parts = append(out.Parts, Part{Text: part.Text})
		}
	}

	return out
}

// geminiSchema projects a neutral JSON schema into the Gemini envelope,
// which wants upper-case type names and an OBJECT-typed root.
func geminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				out[k] = strings.ToUpper(s)
				continue
			}
			out[k] = v
		case "properties":
			if props, ok := v.(map[string]any); ok {
				projected := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						projected[name] = geminiSchema(subSchema)
					} else {
						projected[name] = sub
					}
				}
				out[k] = projected
				continue
			}
			out[k] = v
		case "items":
			if sub, ok := v.(map[string]any); ok {
				out[k] = geminiSchema(sub)
				continue
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
