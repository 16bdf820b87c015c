package llm

import "context"

// LLM is the interface for interacting with Large Language Models.
type LLM interface {
	// Complete generates a completion for a given prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMWithMetadata extends LLM with metadata capabilities.
type LLMWithMetadata interface {
	LLM
	// Metadata returns information about the model's capabilities.
	Metadata() LLMMetadata
}
