package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const (
	OpenAI_API_URL_v1 = "https://api.openai.com/v1"

	// OpenAIDefaultModel is used when no model is configured.
	OpenAIDefaultModel = openai.GPT4oMini
)

type OpenAILLM struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

// OpenAIOption configures an OpenAILLM.
type OpenAIOption func(*OpenAILLM)

// WithOpenAITemperature sets the sampling temperature.
func WithOpenAITemperature(temp float32) OpenAIOption {
	return func(o *OpenAILLM) {
		o.temperature = temp
	}
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(o *OpenAILLM) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func NewOpenAILLM(baseUrl, model, apiKey string, opts ...OpenAIOption) *OpenAILLM {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	if baseUrl == "" {
		baseUrl = os.Getenv("OPENAI_URL")
		if baseUrl == "" {
			baseUrl = OpenAI_API_URL_v1
		}
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseUrl

	return NewOpenAILLMWithClient(openai.NewClientWithConfig(config), model, opts...)
}

func NewOpenAILLMWithClient(client *openai.Client, model string, opts ...OpenAIOption) *OpenAILLM {
	if model == "" {
		model = OpenAIDefaultModel
	}

	o := &OpenAILLM{
		client:      client,
		model:       model,
		temperature: DefaultTemperature,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OpenAILLM) Complete(ctx context.Context, prompt string) (string, error) {
	o.logger.Debug("Complete called", "model", o.model, "prompt_len", len(prompt))

	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       o.model,
			Temperature: o.temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
		},
	)

	if err != nil {
		o.logger.Error("Complete failed", "error", err)
		return "", fmt.Errorf("openai completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Metadata returns information about the model's capabilities.
func (o *OpenAILLM) Metadata() LLMMetadata {
	meta := openAIModelMetadata(o.model)
	meta.Temperature = o.temperature
	return meta
}

var _ LLMWithMetadata = (*OpenAILLM)(nil)
