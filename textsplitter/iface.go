package textsplitter

// TextSplitter is the interface for splitting text.
type TextSplitter interface {
	SplitText(text string) []string
}

// TokenCounter counts tokens in a text.
type TokenCounter interface {
	CountTokens(text string) int
}
