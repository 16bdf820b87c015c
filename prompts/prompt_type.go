// Package prompts provides prompt templates and utilities for LLM interactions.
package prompts

// PromptType represents the type/category of a prompt.
type PromptType string

const (
	// PromptTypeAnswer asks for a grounded answer followed by an INCLUDE_SOURCES line.
	PromptTypeAnswer PromptType = "rag_answer"
	// PromptTypeAnswerPlain asks for a grounded answer only.
	PromptTypeAnswerPlain PromptType = "rag_answer_plain"
	// PromptTypeSourceClassifier asks whether a question calls for source records.
	PromptTypeSourceClassifier PromptType = "source_classifier"

	PromptTypeCustom PromptType = "custom"
)

// String returns the string representation of the prompt type.
func (pt PromptType) String() string {
	return string(pt)
}
