package rag

import (
	"fmt"

	"github.com/aqua777/go-reviewrag/rag/synthesizer"
)

const (
	DefaultPersistPath  = "review_index"
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
	DefaultTopK         = 5
	// NativeSuffix is appended to PersistPath when NativePath is not set.
	NativeSuffix = "_native"
)

// Config holds engine settings. Zero values take the defaults above.
type Config struct {
	// TextField is the review text column. Empty means auto-detect.
	TextField string
	// PersistPath is the managed index directory.
	PersistPath string
	// NativePath is the native index directory. Defaults to PersistPath + "_native".
	NativePath   string
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	// ForceRebuild ignores persisted indexes at construction.
	ForceRebuild bool
	DecisionMode synthesizer.DecisionMode
	// BatchSize is the number of fragments embedded per request.
	BatchSize int
	// RequestsPerSecond throttles embedding batches; 0 disables throttling.
	RequestsPerSecond float64
	// QueryCacheSize is the number of query embeddings kept in memory; 0 disables the cache.
	QueryCacheSize int
}

func (c Config) withDefaults() Config {
	if c.PersistPath == "" {
		c.PersistPath = DefaultPersistPath
	}
	if c.NativePath == "" {
		c.NativePath = c.PersistPath + NativeSuffix
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = c.ChunkSize / 10
	}
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.DecisionMode == "" {
		c.DecisionMode = synthesizer.DecisionModeDirective
	}
	return c
}

func (c Config) validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.ChunkSize, c.ChunkOverlap)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top k must be at least 1, got %d", c.TopK)
	}
	if c.PersistPath == c.NativePath {
		return fmt.Errorf("managed and native index paths must differ (%s)", c.PersistPath)
	}
	if _, err := synthesizer.ParseDecisionMode(string(c.DecisionMode)); err != nil {
		return err
	}
	return nil
}
