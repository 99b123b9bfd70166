package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultVoyageBaseURL = "https://api.voyageai.com/v1"
	voyageModel          = "voyage-3"
	voyageDimensions     = 1024
)

// VoyageEmbedder is the primary embedder: Voyage AI's embeddings
// endpoint, 1024-dimensional.
type VoyageEmbedder struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewVoyageEmbedder creates an embedder against the public Voyage API.
func NewVoyageEmbedder(apiKey string) *VoyageEmbedder {
	return NewVoyageEmbedderWithBaseURL(apiKey, defaultVoyageBaseURL)
}

// NewVoyageEmbedderWithBaseURL overrides the endpoint, for tests.
func NewVoyageEmbedderWithBaseURL(apiKey, baseURL string) *VoyageEmbedder {
	return &VoyageEmbedder{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type voyageRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(voyageRequest{Input: []string{text}, Model: voyageModel})
	if err != nil {
		return nil, fmt.Errorf("voyage: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voyage: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voyage: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("voyage: status %d: %s", resp.StatusCode, detail)
	}

	var out voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("voyage: decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("voyage: no embedding returned")
	}
	return out.Data[0].Embedding, nil
}

func (e *VoyageEmbedder) Dimensions() int { return voyageDimensions }

func (e *VoyageEmbedder) Name() string { return "voyage:" + voyageModel }
