package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIEmbedding struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *slog.Logger
}

func NewOpenAIEmbedding(apiKey string, modelName string) *OpenAIEmbedding {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return NewOpenAIEmbeddingWithClient(openai.NewClient(apiKey), modelName)
}

func NewOpenAIEmbeddingWithClient(client *openai.Client, modelName string) *OpenAIEmbedding {
	var model openai.EmbeddingModel
	if modelName == "" {
		model = openai.SmallEmbedding3
	} else {
		model = openai.EmbeddingModel(modelName)
	}

	return &OpenAIEmbedding{
		client: client,
		model:  model,
		logger: slog.Default(),
	}
}

func (o *OpenAIEmbedding) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return o.getEmbedding(ctx, text, "text")
}

func (o *OpenAIEmbedding) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	return o.getEmbedding(ctx, query, "query")
}

func (o *OpenAIEmbedding) getEmbedding(ctx context.Context, input string, typeLabel string) ([]float32, error) {
	out, err := o.create(ctx, []string{input})
	if err != nil {
		o.logger.Error("GetEmbedding failed", "type", typeLabel, "error", err)
		return nil, err
	}
	return out[0], nil
}

// GetTextEmbeddingsBatch embeds all texts in a single request.
func (o *OpenAIEmbedding) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := o.create(ctx, texts)
	if err != nil {
		o.logger.Error("GetTextEmbeddingsBatch failed", "count", len(texts), "error", err)
		return nil, err
	}
	if callback != nil {
		callback(len(texts), len(texts))
	}
	return out, nil
}

func (o *OpenAIEmbedding) create(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(
		ctx,
		openai.EmbeddingRequest{
			Input: inputs,
			Model: o.model,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Info returns information about the model's capabilities.
func (o *OpenAIEmbedding) Info() EmbeddingInfo {
	switch o.model {
	case openai.SmallEmbedding3:
		return OpenAISmallEmbedding3Info()
	case openai.LargeEmbedding3:
		return OpenAILargeEmbedding3Info()
	default:
		return DefaultEmbeddingInfo(string(o.model))
	}
}

var _ EmbeddingModelWithBatch = (*OpenAIEmbedding)(nil)
var _ EmbeddingModelWithInfo = (*OpenAIEmbedding)(nil)
