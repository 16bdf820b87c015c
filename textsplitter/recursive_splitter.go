package textsplitter

import (
	"strings"
)

const (
	DefaultRecursiveChunkSize = 500
)

// DefaultSeparators is the boundary preference cascade: paragraph, line, word, character.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// RecursiveCharacterSplitter splits text on the first separator that occurs in it,
// recursing into pieces that are still too long with the remaining separators,
// then merges neighbouring pieces into chunks of at most ChunkSize.
type RecursiveCharacterSplitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
	Length       LengthFunc
	// Sentences enables the sentence tier when set.
	Sentences SentenceTokenizer
}

// RecursiveOption configures a RecursiveCharacterSplitter.
type RecursiveOption func(*RecursiveCharacterSplitter)

// WithSeparators replaces the separator cascade.
func WithSeparators(separators ...string) RecursiveOption {
	return func(s *RecursiveCharacterSplitter) {
		s.Separators = separators
	}
}

// WithLengthFunc sets how chunk sizes are measured (runes by default).
func WithLengthFunc(fn LengthFunc) RecursiveOption {
	return func(s *RecursiveCharacterSplitter) {
		s.Length = fn
	}
}

// NewRecursiveCharacterSplitter creates a splitter.
// A non-positive chunkSize uses DefaultRecursiveChunkSize; a negative overlap uses 10% of the chunk size.
// Overlap is capped below the chunk size.
func NewRecursiveCharacterSplitter(chunkSize, chunkOverlap int, opts ...RecursiveOption) *RecursiveCharacterSplitter {
	if chunkSize <= 0 {
		chunkSize = DefaultRecursiveChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = chunkSize / 10
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}

	s := &RecursiveCharacterSplitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   DefaultSeparators,
		Length:       CharLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Length == nil {
		s.Length = CharLength
	}
	if len(s.Separators) == 0 {
		s.Separators = DefaultSeparators
	}
	if s.Sentences != nil {
		s.Separators = withSentenceTier(s.Separators)
	}
	return s
}

// SplitText splits text into chunks. Blank text yields no chunks.
func (s *RecursiveCharacterSplitter) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.splitText(text, s.Separators)
}

func (s *RecursiveCharacterSplitter) splitText(text string, separators []string) []string {
	splits := []string{text}
	var remaining []string
	for i, sep := range separators {
		if pieces, ok := s.splitOn(text, sep); ok {
			splits = pieces
			remaining = separators[i+1:]
			break
		}
	}

	var chunks []string
	var good []string
	for _, piece := range splits {
		if s.Length(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			chunks = append(chunks, s.merge(good)...)
			good = nil
		}
		if len(remaining) == 0 {
			chunks = append(chunks, piece)
		} else {
			chunks = append(chunks, s.splitText(piece, remaining)...)
		}
	}
	if len(good) > 0 {
		chunks = append(chunks, s.merge(good)...)
	}
	return chunks
}

// splitOn splits text on one tier of the cascade. It reports false when the
// tier does not apply to text.
func (s *RecursiveCharacterSplitter) splitOn(text, sep string) ([]string, bool) {
	switch sep {
	case "":
		return SplitByChar()(text), true
	case SentenceSeparator:
		if s.Sentences == nil {
			return nil, false
		}
		pieces := splitSentences(s.Sentences, text)
		return pieces, len(pieces) > 1
	default:
		if !strings.Contains(text, sep) {
			return nil, false
		}
		return SplitTextKeepSeparator(text, sep), true
	}
}

// merge joins pieces (which already carry their leading separator) into chunks,
// carrying the tail of each closed chunk into the next one as overlap.
func (s *RecursiveCharacterSplitter) merge(pieces []string) []string {
	var chunks []string
	var current []string
	total := 0

	emit := func() {
		chunk := strings.TrimSpace(strings.Join(current, ""))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, piece := range pieces {
		l := s.Length(piece)
		if total+l > s.ChunkSize && len(current) > 0 {
			emit()
			for len(current) > 0 && (total > s.ChunkOverlap || total+l > s.ChunkSize) {
				total -= s.Length(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += l
	}
	if len(current) > 0 {
		emit()
	}
	return chunks
}
