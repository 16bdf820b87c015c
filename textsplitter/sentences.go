package textsplitter

import (
	"fmt"
	"sync"
	"unicode"

	"github.com/neurosnap/sentences/english"
)

// SentenceSeparator marks the sentence tier in a separator cascade.
// It only takes effect on splitters configured WithSentences.
const SentenceSeparator = "\x00sentence"

// SentenceTokenizer breaks text into sentences, in order.
type SentenceTokenizer func(text string) []string

var (
	englishOnce      sync.Once
	englishTokenizer SentenceTokenizer
	englishErr       error
)

// EnglishSentenceTokenizer returns a shared punkt tokenizer trained on English.
func EnglishSentenceTokenizer() (SentenceTokenizer, error) {
	englishOnce.Do(func() {
		tok, err := english.NewSentenceTokenizer(nil)
		if err != nil {
			englishErr = fmt.Errorf("loading english sentence model: %w", err)
			return
		}
		englishTokenizer = func(text string) []string {
			sents := tok.Tokenize(text)
			out := make([]string, 0, len(sents))
			for _, s := range sents {
				out = append(out, s.Text)
			}
			return out
		}
	})
	return englishTokenizer, englishErr
}

// WithSentences adds a sentence tier in front of the word separator.
func WithSentences(tok SentenceTokenizer) RecursiveOption {
	return func(s *RecursiveCharacterSplitter) {
		s.Sentences = tok
	}
}

// splitSentences tokenizes text and makes sure consecutive sentences stay
// separated by whitespace once joined back together.
func splitSentences(tok SentenceTokenizer, text string) []string {
	var out []string
	for _, sent := range tok(text) {
		if sent == "" {
			continue
		}
		if n := len(out); n > 0 && !endsWithSpace(out[n-1]) && !startsWithSpace(sent) {
			sent = " " + sent
		}
		out = append(out, sent)
	}
	return out
}

func startsWithSpace(s string) bool {
	return s != "" && unicode.IsSpace(rune(s[0]))
}

func endsWithSpace(s string) bool {
	return s != "" && unicode.IsSpace(rune(s[len(s)-1]))
}

// withSentenceTier inserts SentenceSeparator before the word separator, or
// before the character tier when there is none.
func withSentenceTier(separators []string) []string {
	for _, sep := range separators {
		if sep == SentenceSeparator {
			return separators
		}
	}
	at := len(separators)
	for i, sep := range separators {
		if sep == " " || sep == "" {
			at = i
			break
		}
	}
	out := make([]string, 0, len(separators)+1)
	out = append(out, separators[:at]...)
	out = append(out, SentenceSeparator)
	return append(out, separators[at:]...)
}
