package memory

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const genaiEmbeddingModel = "gemini-embedding-001"

// GenAIEmbedder is the fallback embedder: Gemini's embedding model,
// 768-dimensional. Used when no Voyage API key is configured.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates a Gemini-backed embedder.
func NewGenAIEmbedder(ctx context.Context, apiKey string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("memory: genai embedder needs an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("memory: genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: genaiEmbeddingModel}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, fmt.Errorf("memory: genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("memory: genai returned no embedding")
	}
	return result.Embeddings[0].Values, nil
}

func (e *GenAIEmbedder) Dimensions() int { return 768 }

func (e *GenAIEmbedder) Name() string { return "genai:" + e.model }
