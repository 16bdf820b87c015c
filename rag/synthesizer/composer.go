// Package synthesizer turns retrieved review fragments into a grounded answer and
// decides whether the fragments should be shown to the user.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/prompts"
	"github.com/aqua777/go-reviewrag/schema"
)

// ErrGeneration marks a failure of the primary answer-generating LLM call.
var ErrGeneration = errors.New("answer generation failed")

// Prompt names accepted by Composer.UpdatePrompts.
const (
	PromptAnswer           = "answer"
	PromptAnswerPlain      = "answer_plain"
	PromptSourceClassifier = "source_classifier"
)

const (
	fragmentSeparator = "\n\n---\n\n"
	metaTemplate      = "{key}: {value}"
	metaSeparator     = " | "

	// charsPerToken approximates English token length when budgeting the context block.
	charsPerToken = 4
	// minContextChars is kept even when the prompt alone fills the window.
	minContextChars = 256
)

// requiredVars lists the placeholders a replacement prompt must keep.
var requiredVars = map[string][]string{
	PromptAnswer:           {prompts.VarContext, prompts.VarQuery},
	PromptAnswerPlain:      {prompts.VarContext, prompts.VarQuery},
	PromptSourceClassifier: {prompts.VarQuery},
}

// Composition is the outcome of one Compose call.
type Composition struct {
	// Answer is the model's text with any directive line removed.
	Answer string
	// IncludeSources reports whether retrieved fragments should be exposed.
	IncludeSources bool
	// DirectiveFound is true when the model ended its reply with an INCLUDE_SOURCES line.
	DirectiveFound bool
	// DecidedBy names the strategy that set IncludeSources.
	DecidedBy string
	// Prompt is the exact text sent to the model.
	Prompt string
	// ContextFragments is how many fragments fit in the prompt's context block.
	ContextFragments int
}

// Composer builds the answer prompt, calls the LLM and runs the source decision.
type Composer struct {
	*prompts.BasePromptMixin

	llm      llm.LLM
	mode     DecisionMode
	deciders []SourceDecider
	logger   *slog.Logger

	// contextWindow and reservedTokens bound the context block; 0 means unbounded.
	contextWindow  int
	reservedTokens int
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithDecisionMode selects the default strategy chain.
func WithDecisionMode(mode DecisionMode) ComposerOption {
	return func(c *Composer) {
		c.mode = mode
	}
}

// WithDeciders replaces the strategy chain entirely.
func WithDeciders(deciders ...SourceDecider) ComposerOption {
	return func(c *Composer) {
		c.deciders = deciders
	}
}

// WithContextWindow bounds the prompt to window tokens, keeping reserved tokens
// free for the reply. Lower-ranked fragments are dropped to fit.
func WithContextWindow(window, reserved int) ComposerOption {
	return func(c *Composer) {
		if window > 0 && reserved >= 0 {
			c.contextWindow = window
			c.reservedTokens = reserved
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = logger
	}
}

// NewComposer creates a Composer backed by l.
func NewComposer(l llm.LLM, opts ...ComposerOption) *Composer {
	c := &Composer{
		BasePromptMixin: prompts.NewBasePromptMixin(prompts.PromptDictType{
			PromptAnswer:           prompts.GetDefaultPrompt(prompts.PromptTypeAnswer),
			PromptAnswerPlain:      prompts.GetDefaultPrompt(prompts.PromptTypeAnswerPlain),
			PromptSourceClassifier: prompts.GetDefaultPrompt(prompts.PromptTypeSourceClassifier),
		}),
		llm:    l,
		mode:   DecisionModeDirective,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.deciders == nil {
		classifier := NewClassifierDecider(l, func() prompts.BasePromptTemplate {
			return c.GetPrompt(PromptSourceClassifier)
		}, c.logger)

		switch c.mode {
		case DecisionModeClassifier:
			c.deciders = []SourceDecider{classifier, KeywordDecider{}}
		default:
			c.mode = DecisionModeDirective
			c.deciders = []SourceDecider{DirectiveDecider{}, classifier, KeywordDecider{}}
		}
	}
	return c
}

// Mode returns the decision mode.
func (c *Composer) Mode() DecisionMode {
	return c.mode
}

// UpdatePrompts replaces prompts by name. A template missing a placeholder its
// prompt needs is rejected with a warning and the current one is kept.
func (c *Composer) UpdatePrompts(p prompts.PromptDictType) {
	accepted := make(prompts.PromptDictType, len(p))
	for name, tmpl := range p {
		if tmpl == nil {
			continue
		}
		if missing := missingVars(tmpl, requiredVars[name]); len(missing) > 0 {
			c.logger.Warn("prompt rejected", "name", name, "missing", missing)
			continue
		}
		accepted[name] = tmpl
	}
	c.BasePromptMixin.UpdatePrompts(accepted)
}

func missingVars(tmpl prompts.BasePromptTemplate, required []string) []string {
	have := make(map[string]bool)
	for _, v := range tmpl.GetTemplateVars() {
		have[v] = true
	}
	var missing []string
	for _, v := range required {
		if !have[v] {
			missing = append(missing, v)
		}
	}
	return missing
}

// BuildContext renders fragments as the prompt's context block.
func BuildContext(fragments []schema.ScoredFragment) string {
	text, _ := BuildContextWithin(fragments, 0)
	return text
}

// BuildContextWithin renders fragments in rank order while the block stays within
// maxChars runes, and reports how many were used. The first fragment is always
// kept, truncated if it alone is too long. maxChars <= 0 means no limit.
func BuildContextWithin(fragments []schema.ScoredFragment, maxChars int) (string, int) {
	if len(fragments) == 0 {
		return prompts.NoContextText, 0
	}

	blocks := make([]string, 0, len(fragments))
	size := 0
	for i, f := range fragments {
		var b strings.Builder
		b.WriteString(f.Content)
		if meta := schema.FormatMetadata(f.Metadata, metaTemplate, metaSeparator); meta != "" {
			b.WriteString("\n\n[Meta: ")
			b.WriteString(meta)
			b.WriteString("]")
		}
		block := b.String()

		cost := utf8.RuneCountInString(block)
		if i > 0 {
			cost += len(fragmentSeparator)
		}
		if maxChars > 0 && size+cost > maxChars {
			if i == 0 {
				blocks = append(blocks, truncate(block, maxChars))
			}
			break
		}
		size += cost
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, fragmentSeparator), len(blocks)
}

// BuildPrompt renders the answer prompt for the current decision mode.
func (c *Composer) BuildPrompt(query string, fragments []schema.ScoredFragment) string {
	prompt, _ := c.buildPrompt(query, fragments)
	return prompt
}

func (c *Composer) buildPrompt(query string, fragments []schema.ScoredFragment) (string, int) {
	name := PromptAnswer
	if c.mode == DecisionModeClassifier {
		name = PromptAnswerPlain
	}
	tmpl := c.GetPrompt(name)

	block, used := BuildContextWithin(fragments, c.contextBudget(tmpl, query))
	return tmpl.Format(map[string]string{
		prompts.VarContext: block,
		prompts.VarQuery:   query,
	}), used
}

// contextBudget converts the token window left after the template, the query and
// the reply into runes for the context block.
func (c *Composer) contextBudget(tmpl prompts.BasePromptTemplate, query string) int {
	if c.contextWindow <= 0 {
		return 0
	}
	budget := (c.contextWindow-c.reservedTokens)*charsPerToken -
		utf8.RuneCountInString(tmpl.GetTemplate()) - utf8.RuneCountInString(query)
	return max(budget, minContextChars)
}

// Compose generates an answer for query from fragments. Only the primary LLM call can fail;
// the source decision always yields a value.
func (c *Composer) Compose(ctx context.Context, query string, fragments []schema.ScoredFragment) (Composition, error) {
	prompt, used := c.buildPrompt(query, fragments)

	raw, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return Composition{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	answer, include, found := ParseDirective(raw)
	in := DecisionInput{Query: query, Answer: answer}
	if found {
		in.Directive = &include
	}

	decision, by := Decide(ctx, c.deciders, in)
	c.logger.Debug("composed answer",
		"fragments", len(fragments),
		"context_fragments", used,
		"directive_found", found,
		"include_sources", decision,
		"decided_by", by)

	return Composition{
		Answer:           answer,
		IncludeSources:   decision,
		DirectiveFound:   found,
		DecidedBy:        by,
		Prompt:           prompt,
		ContextFragments: used,
	}, nil
}
