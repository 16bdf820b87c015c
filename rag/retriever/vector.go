package retriever

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
)

// VectorRetriever embeds the query with the same model that embedded the
// index and searches the index.
type VectorRetriever struct {
	embedder embedding.EmbeddingModel
	index    store.Index
	logger   *slog.Logger
}

// VectorRetrieverOption is a functional option for VectorRetriever.
type VectorRetrieverOption func(*VectorRetriever)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) VectorRetrieverOption {
	return func(vr *VectorRetriever) {
		vr.logger = logger
	}
}

// NewVectorRetriever creates a new VectorRetriever.
func NewVectorRetriever(embedder embedding.EmbeddingModel, index store.Index, opts ...VectorRetrieverOption) *VectorRetriever {
	vr := &VectorRetriever{
		embedder: embedder,
		index:    index,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(vr)
	}
	return vr
}

// Retrieve returns min(k, corpus size) fragments. An empty corpus returns
// no fragments without embedding the query.
func (vr *VectorRetriever) Retrieve(ctx context.Context, query string, k int) ([]schema.ScoredFragment, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, k)
	}
	if vr.index.Len() == 0 {
		return []schema.ScoredFragment{}, nil
	}

	queryEmbedding, err := vr.embedder.GetQueryEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	hits, err := vr.index.Search(ctx, queryEmbedding, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	vr.logger.Debug("retrieved fragments", "k", k, "hits", len(hits))
	return hits, nil
}

var _ Retriever = (*VectorRetriever)(nil)
