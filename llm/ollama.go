package llm

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

// Common Ollama model names.
const (
	OllamaLlama31 = "llama3.1"
	OllamaLlama32 = "llama3.2"
	OllamaMistral = "mistral"
	OllamaGemma2  = "gemma2"
	OllamaQwen2   = "qwen2"
	OllamaPhi3    = "phi3"
)

// OllamaLLM implements the LLM interface for Ollama local models.
type OllamaLLM struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	temperature float32
	numCtx      *int
	seed        *int
}

// OllamaOption configures an OllamaLLM.
type OllamaOption func(*OllamaLLM)

// WithOllamaBaseURL sets the base URL.
func WithOllamaBaseURL(baseURL string) OllamaOption {
	return func(o *OllamaLLM) {
		o.baseURL = baseURL
	}
}

// WithOllamaModel sets the model.
func WithOllamaModel(model string) OllamaOption {
	return func(o *OllamaLLM) {
		o.model = model
	}
}

// WithOllamaHTTPClient sets a custom HTTP client.
func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(o *OllamaLLM) {
		o.httpClient = client
	}
}

// WithOllamaTemperature sets the temperature.
func WithOllamaTemperature(temp float32) OllamaOption {
	return func(o *OllamaLLM) {
		o.temperature = temp
	}
}

// WithOllamaNumCtx sets the context window size.
func WithOllamaNumCtx(numCtx int) OllamaOption {
	return func(o *OllamaLLM) {
		o.numCtx = &numCtx
	}
}

// WithOllamaSeed sets the random seed.
func WithOllamaSeed(seed int) OllamaOption {
	return func(o *OllamaLLM) {
		o.seed = &seed
	}
}

// NewOllamaLLM creates a new Ollama LLM client.
func NewOllamaLLM(opts ...OllamaOption) *OllamaLLM {
	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = OllamaDefaultURL
	}

	o := &OllamaLLM{
		baseURL:     baseURL,
		model:       OllamaLlama31,
		httpClient:  http.DefaultClient,
		logger:      slog.Default(),
		temperature: DefaultTemperature,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Complete generates a completion for a given prompt.
func (o *OllamaLLM) Complete(ctx context.Context, prompt string) (string, error) {
	o.logger.Debug("Complete called", "model", o.model, "prompt_len", len(prompt))

	resp, err := o.doGenerateRequest(ctx, ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: o.buildOptions(),
	})
	if err != nil {
		o.logger.Error("Complete failed", "error", err)
		return "", err
	}

	return resp.Response, nil
}

// Metadata returns information about the model's capabilities.
func (o *OllamaLLM) Metadata() LLMMetadata {
	meta := DefaultLLMMetadata(o.model)
	meta.Temperature = o.temperature
	if o.numCtx != nil {
		meta.ContextWindow = *o.numCtx
	}
	return meta
}

func (o *OllamaLLM) buildOptions() map[string]any {
	options := map[string]any{
		"temperature": o.temperature,
	}
	if o.numCtx != nil {
		options["num_ctx"] = *o.numCtx
	}
	if o.seed != nil {
		options["seed"] = *o.seed
	}
	return options
}

func (o *OllamaLLM) doGenerateRequest(ctx context.Context, body ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(jsonBody))
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

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

var _ LLMWithMetadata = (*OllamaLLM)(nil)
