package llm

// DefaultTemperature keeps answers close to the supplied context.
const DefaultTemperature float32 = 0.2

// LLMMetadata contains metadata about an LLM's capabilities.
type LLMMetadata struct {
	// ModelName is the name/identifier of the model.
	ModelName string `json:"model_name"`
	// ContextWindow is the maximum number of tokens the model accepts.
	ContextWindow int `json:"context_window"`
	// NumOutputTokens is the maximum number of tokens the model generates.
	NumOutputTokens int `json:"num_output_tokens"`
	// Temperature is the sampling temperature in use.
	Temperature float32 `json:"temperature"`
}

// DefaultLLMMetadata returns default metadata for unknown models.
func DefaultLLMMetadata(modelName string) LLMMetadata {
	return LLMMetadata{
		ModelName:       modelName,
		ContextWindow:   4096,
		NumOutputTokens: 256,
		Temperature:     DefaultTemperature,
	}
}

func openAIModelMetadata(model string) LLMMetadata {
	meta := DefaultLLMMetadata(model)
	switch model {
	case "gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4.1", "gpt-4.1-mini":
		meta.ContextWindow = 128000
		meta.NumOutputTokens = 4096
	case "gpt-4":
		meta.ContextWindow = 8192
		meta.NumOutputTokens = 4096
	case "gpt-3.5-turbo":
		meta.ContextWindow = 16385
		meta.NumOutputTokens = 4096
	}
	return meta
}
