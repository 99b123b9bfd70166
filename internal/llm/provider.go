package llm

import (
	"fmt"
	"os"
	"strings"
)

// Provider identifies an LLM provider dialect.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"anthropic/claude-sonnet-4-5" → (anthropic, "claude-sonnet-4-5")
//	"gemini/gemini-2.5-flash"     → (gemini, "gemini-2.5-flash")
//	"claude-sonnet-4-5"           → (anthropic, inferred from name)
//	"gemini-2.5-flash"            → (gemini, inferred from name)
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "anthropic", "claude":
			return ProviderAnthropic, name
		case "gemini", "google":
			return ProviderGemini, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "gemini") {
		return ProviderGemini, model
	}
	return ProviderAnthropic, model
}

// NewClientForModel creates the adapter matching the model string.
//
// Environment variables used:
//
//	ANTHROPIC_API_KEY for Anthropic (read by the SDK automatically)
//	GEMINI_API_KEY for Gemini
func NewClientForModel(model string) (Client, string, error) {
	provider, name := ParseModelString(model)

	switch provider {
	case ProviderGemini:
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, "", fmt.Errorf("gemini: GEMINI_API_KEY not set")
		}
		return NewGeminiClient(key), name, nil
	default:
		return NewAnthropicClient(), name, nil
	}
}
