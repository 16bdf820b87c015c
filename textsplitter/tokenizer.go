package textsplitter

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// LengthFunc measures a piece of text in the unit chunk sizes are expressed in.
type LengthFunc func(text string) int

// CharLength counts runes.
func CharLength(text string) int {
	return utf8.RuneCountInString(text)
}

// TokenLength measures text with a token counter.
func TokenLength(counter TokenCounter) LengthFunc {
	return counter.CountTokens
}

// Common encoding names
const (
	EncodingCL100kBase = "cl100k_base" // GPT-4, GPT-3.5-turbo, text-embedding-3-*
	EncodingO200kBase  = "o200k_base"  // GPT-4o models
)

var modelEncodingMap = map[string]string{
	"gpt-4o":                 EncodingO200kBase,
	"gpt-4o-mini":            EncodingO200kBase,
	"gpt-4":                  EncodingCL100kBase,
	"gpt-4-turbo":            EncodingCL100kBase,
	"gpt-3.5-turbo":          EncodingCL100kBase,
	"text-embedding-ada-002": EncodingCL100kBase,
	"text-embedding-3-small": EncodingCL100kBase,
	"text-embedding-3-large": EncodingCL100kBase,
}

// GetEncodingForModel returns the encoding name for a given model.
// Returns cl100k_base as default if model is not found.
func GetEncodingForModel(model string) string {
	if enc, ok := modelEncodingMap[model]; ok {
		return enc
	}
	return EncodingCL100kBase
}

// TikTokenCounter counts tokens using a tiktoken encoding.
type TikTokenCounter struct {
	encoding     *tiktoken.Tiktoken
	encodingName string
}

// NewTikTokenCounter creates a counter for the given encoding (cl100k_base when empty).
func NewTikTokenCounter(encodingName string) (*TikTokenCounter, error) {
	if encodingName == "" {
		encodingName = EncodingCL100kBase
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}
	return &TikTokenCounter{encoding: enc, encodingName: encodingName}, nil
}

// NewTikTokenCounterForModel picks the encoding used by model.
func NewTikTokenCounterForModel(model string) (*TikTokenCounter, error) {
	return NewTikTokenCounter(GetEncodingForModel(model))
}

// CountTokens returns the number of tokens in the text.
func (t *TikTokenCounter) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EncodingName returns the encoding name.
func (t *TikTokenCounter) EncodingName() string {
	return t.encodingName
}

var _ TokenCounter = (*TikTokenCounter)(nil)

// Global default counter (lazy initialized)
var (
	defaultCounter     *TikTokenCounter
	defaultCounterOnce sync.Once
	defaultCounterErr  error
)

// DefaultTokenCounter returns a shared cl100k_base counter.
// This is safe for concurrent use.
func DefaultTokenCounter() (*TikTokenCounter, error) {
	defaultCounterOnce.Do(func() {
		defaultCounter, defaultCounterErr = NewTikTokenCounter(EncodingCL100kBase)
	})
	return defaultCounter, defaultCounterErr
}
