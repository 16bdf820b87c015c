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
	"strings"
)

const (
	// HuggingFaceInferenceAPIURL is the hosted feature-extraction endpoint.
	HuggingFaceInferenceAPIURL = "https://api-inference.huggingface.co"
	// HuggingFaceTEIURL is where a local Text Embeddings Inference server usually listens.
	HuggingFaceTEIURL = "http://localhost:8080"
)

// HuggingFace sentence embedding models known to work on short review text.
const (
	HFSentenceTransformersMiniLM = "sentence-transformers/all-MiniLM-L6-v2"
	HFSentenceTransformersMpnet  = "sentence-transformers/all-mpnet-base-v2"
	HFBGESmall                   = "BAAI/bge-small-en-v1.5"
	HFBGEBase                    = "BAAI/bge-base-en-v1.5"
	HFE5Small                    = "intfloat/e5-small-v2"
	HFE5Base                     = "intfloat/e5-base-v2"
)

var hfModels = map[string]EmbeddingInfo{
	HFSentenceTransformersMiniLM: {Dimensions: 384, MaxTokens: 256},
	HFSentenceTransformersMpnet:  {Dimensions: 768, MaxTokens: 384},
	HFBGESmall:                   {Dimensions: 384, MaxTokens: 512},
	HFBGEBase:                    {Dimensions: 768, MaxTokens: 512},
	HFE5Small:                    {Dimensions: 384, MaxTokens: 512},
	HFE5Base:                     {Dimensions: 768, MaxTokens: 512},
}

// HuggingFaceEmbedding embeds text through the HuggingFace Inference API or a
// Text Embeddings Inference (TEI) server.
type HuggingFaceEmbedding struct {
	apiKey     string
	baseURL    string
	model      string
	useTEI     bool
	httpClient *http.Client
	logger     *slog.Logger
	// E5 models expect queries and passages to be marked.
	queryPrefix string
	docPrefix   string
}

// HuggingFaceEmbeddingOption configures a HuggingFaceEmbedding.
type HuggingFaceEmbeddingOption func(*HuggingFaceEmbedding)

// WithHuggingFaceAPIKey sets the bearer token.
func WithHuggingFaceAPIKey(apiKey string) HuggingFaceEmbeddingOption {
	return func(h *HuggingFaceEmbedding) {
		if apiKey != "" {
			h.apiKey = apiKey
		}
	}
}

// WithHuggingFaceBaseURL sets the endpoint.
func WithHuggingFaceBaseURL(baseURL string) HuggingFaceEmbeddingOption {
	return func(h *HuggingFaceEmbedding) {
		h.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHuggingFaceModel sets the model.
func WithHuggingFaceModel(model string) HuggingFaceEmbeddingOption {
	return func(h *HuggingFaceEmbedding) {
		h.model = model
	}
}

// WithHuggingFaceTEI switches to the TEI /embed protocol.
func WithHuggingFaceTEI(useTEI bool) HuggingFaceEmbeddingOption {
	return func(h *HuggingFaceEmbedding) {
		h.useTEI = useTEI
	}
}

// WithHuggingFaceHTTPClient sets a custom HTTP client.
func WithHuggingFaceHTTPClient(client *http.Client) HuggingFaceEmbeddingOption {
	return func(h *HuggingFaceEmbedding) {
		h.httpClient = client
	}
}

// NewHuggingFaceEmbedding creates a client. The token defaults to HF_TOKEN.
func NewHuggingFaceEmbedding(opts ...HuggingFaceEmbeddingOption) *HuggingFaceEmbedding {
	h := &HuggingFaceEmbedding{
		apiKey:     os.Getenv("HF_TOKEN"),
		baseURL:    HuggingFaceInferenceAPIURL,
		model:      HFSentenceTransformersMiniLM,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if strings.HasPrefix(h.model, "intfloat/e5-") {
		h.queryPrefix = "query: "
		h.docPrefix = "passage: "
	}
	return h
}

type teiEmbedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate,omitempty"`
}

type hfInferenceRequest struct {
	Inputs  string `json:"inputs"`
	Options struct {
		WaitForModel bool `json:"wait_for_model"`
	} `json:"options"`
}

// GetTextEmbedding embeds a review fragment.
func (h *HuggingFaceEmbedding) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return h.embedOne(ctx, h.docPrefix+text)
}

// GetQueryEmbedding embeds a question.
func (h *HuggingFaceEmbedding) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	return h.embedOne(ctx, h.queryPrefix+query)
}

// GetTextEmbeddingsBatch embeds texts in one TEI request, or one request per
// text against the Inference API.
func (h *HuggingFaceEmbedding) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	h.logger.Debug("embedding batch", "model", h.model, "count", len(texts), "tei", h.useTEI)

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = h.docPrefix + t
	}

	if h.useTEI {
		vecs, err := h.embedTEI(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(inputs) {
			return nil, fmt.Errorf("tei returned %d embeddings for %d inputs", len(vecs), len(inputs))
		}
		if callback != nil {
			callback(len(texts), len(texts))
		}
		return vecs, nil
	}

	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec, err := h.embedInference(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = vec
		if callback != nil {
			callback(i+1, len(texts))
		}
	}
	return out, nil
}

// Info reports the model's dimensions when it is a known model.
func (h *HuggingFaceEmbedding) Info() EmbeddingInfo {
	info, ok := hfModels[h.model]
	if !ok {
		return DefaultEmbeddingInfo(h.model)
	}
	info.ModelName = h.model
	return info
}

func (h *HuggingFaceEmbedding) embedOne(ctx context.Context, text string) ([]float32, error) {
	if !h.useTEI {
		return h.embedInference(ctx, text)
	}
	vecs, err := h.embedTEI(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("tei returned no embeddings")
	}
	return vecs[0], nil
}

func (h *HuggingFaceEmbedding) embedTEI(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := h.post(ctx, h.baseURL+"/embed", teiEmbedRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, err
	}
	var vecs [][]float32
	if err := json.Unmarshal(body, &vecs); err != nil {
		return nil, fmt.Errorf("decoding tei response: %w", err)
	}
	return vecs, nil
}

func (h *HuggingFaceEmbedding) embedInference(ctx context.Context, text string) ([]float32, error) {
	req := hfInferenceRequest{Inputs: text}
	req.Options.WaitForModel = true

	body, err := h.post(ctx, h.baseURL+"/pipeline/feature-extraction/"+h.model, req)
	if err != nil {
		return nil, err
	}
	return decodeFeatures(body)
}

func (h *HuggingFaceEmbedding) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("huggingface error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// decodeFeatures accepts a pooled vector, a batch of one pooled vector, or
// per-token vectors which are mean pooled.
func decodeFeatures(body []byte) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(body, &flat); err == nil {
		return flat, nil
	}
	var nested [][]float32
	if err := json.Unmarshal(body, &nested); err == nil && len(nested) > 0 {
		return nested[0], nil
	}
	var tokens [][][]float32
	if err := json.Unmarshal(body, &tokens); err == nil && len(tokens) > 0 && len(tokens[0]) > 0 {
		return meanPool(tokens[0]), nil
	}
	return nil, fmt.Errorf("unrecognised feature-extraction response: %.200s", body)
}

func meanPool(tokens [][]float32) []float32 {
	out := make([]float32, len(tokens[0]))
	for _, tok := range tokens {
		for i, v := range tok {
			out[i] += v
		}
	}
	n := float32(len(tokens))
	for i := range out {
		out[i] /= n
	}
	return out
}

var (
	_ EmbeddingModelWithInfo  = (*HuggingFaceEmbedding)(nil)
	_ EmbeddingModelWithBatch = (*HuggingFaceEmbedding)(nil)
)
