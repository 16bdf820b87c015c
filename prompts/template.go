package prompts

import (
	"regexp"
)

// templateVarRegex matches {variable} placeholders in templates.
var templateVarRegex = regexp.MustCompile(`\{(\w+)\}`)

// GetTemplateVars extracts variable names from a template string.
func GetTemplateVars(template string) []string {
	matches := templateVarRegex.FindAllStringSubmatch(template, -1)
	vars := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			vars = append(vars, match[1])
			seen[match[1]] = true
		}
	}
	return vars
}

// FormatString substitutes {variable} placeholders in a single pass.
// Placeholders without a value are left untouched, and substituted values
// are never themselves expanded.
func FormatString(template string, vars map[string]string) string {
	return templateVarRegex.ReplaceAllStringFunc(template, func(placeholder string) string {
		if value, ok := vars[placeholder[1:len(placeholder)-1]]; ok {
			return value
		}
		return placeholder
	})
}

// BasePromptTemplate is the interface for all prompt templates.
type BasePromptTemplate interface {
	// Format formats the prompt into a string.
	Format(vars map[string]string) string
	// GetTemplate returns the raw template string.
	GetTemplate() string
	// GetTemplateVars returns the variable names in the template.
	GetTemplateVars() []string
	// GetPromptType returns the prompt type.
	GetPromptType() PromptType
}

// PromptTemplate is a simple string-based prompt template.
type PromptTemplate struct {
	// Template is the template string with {variable} placeholders.
	Template string
	// TemplateVars are the variable names extracted from the template.
	TemplateVars []string
	// PromptType is the type/category of this prompt.
	PromptType PromptType
}

// NewPromptTemplate creates a new PromptTemplate.
func NewPromptTemplate(template string, promptType PromptType) *PromptTemplate {
	return &PromptTemplate{
		Template:     template,
		TemplateVars: GetTemplateVars(template),
		PromptType:   promptType,
	}
}

// Format formats the prompt into a string.
func (pt *PromptTemplate) Format(vars map[string]string) string {
	return FormatString(pt.Template, vars)
}

// GetTemplate returns the raw template string.
func (pt *PromptTemplate) GetTemplate() string {
	return pt.Template
}

// GetTemplateVars returns the variable names in the template.
func (pt *PromptTemplate) GetTemplateVars() []string {
	return pt.TemplateVars
}

// GetPromptType returns the prompt type.
func (pt *PromptTemplate) GetPromptType() PromptType {
	return pt.PromptType
}

var _ BasePromptTemplate = (*PromptTemplate)(nil)
