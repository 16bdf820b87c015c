package embedding

// EmbeddingInfo contains metadata about an embedding model's capabilities.
type EmbeddingInfo struct {
	// ModelName is the name/identifier of the model.
	ModelName string `json:"model_name"`
	// Dimensions is the number of dimensions in the embedding vector.
	Dimensions int `json:"dimensions"`
	// MaxTokens is the maximum number of tokens the model can process.
	MaxTokens int `json:"max_tokens"`
	// TokenizerName is the name of the tokenizer used by the model.
	TokenizerName string `json:"tokenizer_name,omitempty"`
}

// DefaultEmbeddingInfo returns default info for unknown models.
func DefaultEmbeddingInfo(modelName string) EmbeddingInfo {
	return EmbeddingInfo{
		ModelName:  modelName,
		Dimensions: 1536, // Common default
		MaxTokens:  8191,
	}
}

// OpenAISmallEmbedding3Info returns info for text-embedding-3-small.
func OpenAISmallEmbedding3Info() EmbeddingInfo {
	return EmbeddingInfo{
		ModelName:     "text-embedding-3-small",
		Dimensions:    1536,
		MaxTokens:     8191,
		TokenizerName: "cl100k_base",
	}
}

// OpenAILargeEmbedding3Info returns info for text-embedding-3-large.
func OpenAILargeEmbedding3Info() EmbeddingInfo {
	return EmbeddingInfo{
		ModelName:     "text-embedding-3-large",
		Dimensions:    3072,
		MaxTokens:     8191,
		TokenizerName: "cl100k_base",
	}
}

// AllMiniLMInfo returns info for sentence-transformers/all-MiniLM-L6-v2 and its Ollama build.
func AllMiniLMInfo() EmbeddingInfo {
	return EmbeddingInfo{
		ModelName:  "all-minilm",
		Dimensions: 384,
		MaxTokens:  256,
	}
}

// ProgressCallback is called during batch operations to report progress.
// current is the number of items processed, total is the total number of items.
type ProgressCallback func(current, total int)
