package synthesizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/prompts"
)

// DecisionMode selects how the include-sources flag is obtained.
type DecisionMode string

const (
	// DecisionModeDirective reads the flag from the answer's final line, falling back to
	// the classifier and then the keyword heuristic.
	DecisionModeDirective DecisionMode = "directive"
	// DecisionModeClassifier asks a second LLM call, falling back to the keyword heuristic.
	DecisionModeClassifier DecisionMode = "classifier"
)

// ParseDecisionMode maps a config value to a DecisionMode. Empty means directive.
func ParseDecisionMode(s string) (DecisionMode, error) {
	switch DecisionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DecisionModeDirective:
		return DecisionModeDirective, nil
	case DecisionModeClassifier:
		return DecisionModeClassifier, nil
	default:
		return "", fmt.Errorf("unknown source decision mode %q", s)
	}
}

// DecisionInput is what a SourceDecider may look at. Fragment content is deliberately absent.
type DecisionInput struct {
	Query  string
	Answer string
	// Directive is the parsed INCLUDE_SOURCES value, nil when the answer had none.
	Directive *bool
}

// SourceDecider is one strategy for deciding whether to surface sources.
// ok is false when the strategy cannot decide and the next one should run.
type SourceDecider interface {
	Name() string
	Decide(ctx context.Context, in DecisionInput) (decision bool, ok bool)
}

// Decide runs deciders in order; the first that can decide wins. With none able
// to decide the result is false.
func Decide(ctx context.Context, deciders []SourceDecider, in DecisionInput) (decision bool, decidedBy string) {
	for _, d := range deciders {
		if decision, ok := d.Decide(ctx, in); ok {
			return decision, d.Name()
		}
	}
	return false, "default"
}

// DirectiveDecider uses the flag parsed from the answer.
type DirectiveDecider struct{}

func (DirectiveDecider) Name() string { return "directive" }

func (DirectiveDecider) Decide(_ context.Context, in DecisionInput) (bool, bool) {
	if in.Directive == nil {
		return false, false
	}
	return *in.Directive, true
}

// ClassifierDecider asks the LLM a strict YES/NO question about the query and answer.
type ClassifierDecider struct {
	llm    llm.LLM
	prompt func() prompts.BasePromptTemplate
	logger *slog.Logger
}

// NewClassifierDecider creates a classifier. prompt is consulted on every call so
// that replaced templates take effect; nil uses the default classifier prompt.
func NewClassifierDecider(l llm.LLM, prompt func() prompts.BasePromptTemplate, logger *slog.Logger) *ClassifierDecider {
	if prompt == nil {
		prompt = func() prompts.BasePromptTemplate { return prompts.DefaultSourceClassifierPrompt }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassifierDecider{llm: l, prompt: prompt, logger: logger}
}

func (c *ClassifierDecider) Name() string { return "classifier" }

// Decide never fails: provider errors and replies other than YES or NO defer to the next strategy.
func (c *ClassifierDecider) Decide(ctx context.Context, in DecisionInput) (bool, bool) {
	text := c.prompt().Format(map[string]string{
		prompts.VarQuery:  in.Query,
		prompts.VarAnswer: in.Answer,
	})

	reply, err := c.llm.Complete(ctx, text)
	if err != nil {
		c.logger.Warn("source classifier failed", "error", err)
		return false, false
	}

	switch firstWord(reply) {
	case "YES":
		return true, true
	case "NO":
		return false, true
	default:
		c.logger.Warn("source classifier gave no YES/NO", "reply", truncate(reply, 80))
		return false, false
	}
}

// DefaultTriggerWords are query words that suggest the user wants to see records.
var DefaultTriggerWords = []string{"show", "list", "id", "ids", "age", "title", "review", "examples", "evidence", "source"}

// KeywordDecider flags queries containing a trigger word. It always decides.
type KeywordDecider struct {
	Triggers []string
}

func (KeywordDecider) Name() string { return "keyword" }

// Decide matches whole words, case-insensitively; a trailing plural "s" is ignored.
func (k KeywordDecider) Decide(_ context.Context, in DecisionInput) (bool, bool) {
	triggers := k.Triggers
	if triggers == nil {
		triggers = DefaultTriggerWords
	}
	set := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		set[strings.ToLower(t)] = struct{}{}
	}

	for _, word := range words(in.Query) {
		if _, ok := set[word]; ok {
			return true, true
		}
		if singular := strings.TrimSuffix(word, "s"); singular != word {
			if _, ok := set[singular]; ok {
				return true, true
			}
		}
	}
	return false, true
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func firstWord(s string) string {
	w := words(s)
	if len(w) == 0 {
		return ""
	}
	return strings.ToUpper(w[0])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
