package embedding

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is the number of query embeddings kept by a QueryCache.
const DefaultQueryCacheSize = 512

// QueryCache memoizes query embeddings in an LRU. Text embeddings pass through.
type QueryCache struct {
	model EmbeddingModel
	cache *lru.Cache[string, []float32]
}

// NewQueryCache wraps model with an LRU of the given size.
// A non-positive size disables caching and returns the model unchanged.
func NewQueryCache(model EmbeddingModel, size int) (EmbeddingModel, error) {
	if size <= 0 {
		return model, nil
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &QueryCache{model: model, cache: cache}, nil
}

func (q *QueryCache) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return q.model.GetTextEmbedding(ctx, text)
}

// GetQueryEmbedding returns a copy of the cached vector so callers may mutate it.
func (q *QueryCache) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := q.cache.Get(query); ok {
		return append([]float32(nil), vec...), nil
	}
	vec, err := q.model.GetQueryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	q.cache.Add(query, append([]float32(nil), vec...))
	return vec, nil
}

func (q *QueryCache) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	if batcher, ok := q.model.(EmbeddingModelWithBatch); ok {
		return batcher.GetTextEmbeddingsBatch(ctx, texts, callback)
	}
	return embedSequentially(ctx, q.model, texts, callback)
}

// Len returns the number of cached queries.
func (q *QueryCache) Len() int {
	return q.cache.Len()
}

var _ EmbeddingModelWithBatch = (*QueryCache)(nil)
