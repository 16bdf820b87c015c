package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

const (
	// OllamaDefaultURL is the default Ollama API endpoint.
	OllamaDefaultURL = "http://localhost:11434"
)

// Common Ollama embedding model names.
const (
	OllamaAllMiniLM      = "all-minilm"
	OllamaNomicEmbedText = "nomic-embed-text"
	OllamaBgeLarge       = "bge-large"
)

// OllamaEmbedding implements the EmbeddingModel interface for Ollama.
type OllamaEmbedding struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OllamaEmbeddingOption configures an OllamaEmbedding.
type OllamaEmbeddingOption func(*OllamaEmbedding)

// WithOllamaEmbeddingBaseURL sets the base URL.
func WithOllamaEmbeddingBaseURL(baseURL string) OllamaEmbeddingOption {
	return func(o *OllamaEmbedding) {
		o.baseURL = baseURL
	}
}

// WithOllamaEmbeddingModel sets the model.
func WithOllamaEmbeddingModel(model string) OllamaEmbeddingOption {
	return func(o *OllamaEmbedding) {
		o.model = model
	}
}

// WithOllamaEmbeddingHTTPClient sets a custom HTTP client.
func WithOllamaEmbeddingHTTPClient(client *http.Client) OllamaEmbeddingOption {
	return func(o *OllamaEmbedding) {
		o.httpClient = client
	}
}

// NewOllamaEmbedding creates a new Ollama embedding client.
func NewOllamaEmbedding(opts ...OllamaEmbeddingOption) *OllamaEmbedding {
	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = OllamaDefaultURL
	}

	o := &OllamaEmbedding{
		baseURL:    baseURL,
		model:      OllamaAllMiniLM,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// GetTextEmbedding generates an embedding for a given text.
func (o *OllamaEmbedding) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return o.getEmbedding(ctx, text)
}

// GetQueryEmbedding generates an embedding for a given query.
func (o *OllamaEmbedding) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	return o.getEmbedding(ctx, query)
}

func (o *OllamaEmbedding) getEmbedding(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(ollamaEmbeddingRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", o.model)
	}

	return toFloat32(result.Embedding), nil
}

// GetTextEmbeddingsBatch embeds texts one request at a time.
func (o *OllamaEmbedding) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := o.getEmbedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to get embedding for text %d: %w", i, err)
		}
		results[i] = embedding

		if callback != nil {
			callback(i+1, len(texts))
		}
	}

	return results, nil
}

// Info returns information about the model's capabilities.
func (o *OllamaEmbedding) Info() EmbeddingInfo {
	switch o.model {
	case OllamaAllMiniLM:
		return AllMiniLMInfo()
	case OllamaNomicEmbedText:
		return EmbeddingInfo{ModelName: o.model, Dimensions: 768, MaxTokens: 8192}
	case OllamaBgeLarge:
		return EmbeddingInfo{ModelName: o.model, Dimensions: 1024, MaxTokens: 512}
	default:
		return DefaultEmbeddingInfo(o.model)
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

var _ EmbeddingModelWithBatch = (*OllamaEmbedding)(nil)
var _ EmbeddingModelWithInfo = (*OllamaEmbedding)(nil)
