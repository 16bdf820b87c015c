package prompts

import "sync"

// PromptDictType is a map of prompt names to prompt templates.
type PromptDictType map[string]BasePromptTemplate

// PromptMixin is implemented by components whose prompts can be inspected and replaced.
type PromptMixin interface {
	// GetPrompts returns a copy of the component's prompts.
	GetPrompts() PromptDictType
	// UpdatePrompts replaces the named prompts. Unknown names are ignored.
	UpdatePrompts(prompts PromptDictType)
}

// BasePromptMixin provides a base implementation of PromptMixin.
// Embed this in structs that need prompt management. It is safe for concurrent use.
type BasePromptMixin struct {
	mu      sync.RWMutex
	prompts PromptDictType
}

// NewBasePromptMixin creates a BasePromptMixin holding the given defaults.
// Only the names present in defaults can later be updated.
func NewBasePromptMixin(defaults PromptDictType) *BasePromptMixin {
	bpm := &BasePromptMixin{prompts: make(PromptDictType, len(defaults))}
	for k, v := range defaults {
		bpm.prompts[k] = v
	}
	return bpm
}

// GetPrompts returns a copy of all prompts.
func (bpm *BasePromptMixin) GetPrompts() PromptDictType {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()

	out := make(PromptDictType, len(bpm.prompts))
	for k, v := range bpm.prompts {
		out[k] = v
	}
	return out
}

// UpdatePrompts replaces known prompts; nil templates and unknown names are ignored.
func (bpm *BasePromptMixin) UpdatePrompts(prompts PromptDictType) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	for k, v := range prompts {
		if _, ok := bpm.prompts[k]; ok && v != nil {
			bpm.prompts[k] = v
		}
	}
}

// GetPrompt gets a single prompt by name.
func (bpm *BasePromptMixin) GetPrompt(name string) BasePromptTemplate {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	return bpm.prompts[name]
}

var _ PromptMixin = (*BasePromptMixin)(nil)
