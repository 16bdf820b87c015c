package store

import (
	"context"
	"fmt"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/schema"
)

// MemoryIndex is an exhaustive inner-product index over a dense row-major matrix.
// Rows are L2-normalized at construction, so scores are cosine similarities.
type MemoryIndex struct {
	dim       int
	matrix    []float32
	fragments []schema.Fragment
}

// NewMemoryIndex copies and normalizes vectors into a dense matrix.
func NewMemoryIndex(fragments []schema.Fragment, vectors [][]float32) (*MemoryIndex, error) {
	return newMemoryIndex(fragments, vectors, true)
}

// RestoreMemoryIndex rebuilds an index from rows that were already normalized
// when first built, keeping them bit-for-bit.
func RestoreMemoryIndex(fragments []schema.Fragment, vectors [][]float32) (*MemoryIndex, error) {
	return newMemoryIndex(fragments, vectors, false)
}

func newMemoryIndex(fragments []schema.Fragment, vectors [][]float32, normalize bool) (*MemoryIndex, error) {
	dim, err := CheckAligned(fragments, vectors)
	if err != nil {
		return nil, err
	}

	matrix := make([]float32, 0, dim*len(vectors))
	for _, v := range vectors {
		if normalize {
			v = embedding.Normalize(v)
		}
		matrix = append(matrix, v...)
	}
	return &MemoryIndex{dim: dim, matrix: matrix, fragments: fragments}, nil
}

// Dim returns the vector dimension, or 0 for an empty index.
func (m *MemoryIndex) Dim() int {
	return m.dim
}

// Len returns the number of indexed fragments.
func (m *MemoryIndex) Len() int {
	return len(m.fragments)
}

// Fragments returns the indexed fragments in insertion order.
func (m *MemoryIndex) Fragments() []schema.Fragment {
	return m.fragments
}

// Row returns the normalized vector at ordinal i.
func (m *MemoryIndex) Row(i int) []float32 {
	return m.matrix[i*m.dim : (i+1)*m.dim]
}

// Search scores every row against query. k is clamped to Len.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]schema.ScoredFragment, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(m.fragments) == 0 {
		return []schema.ScoredFragment{}, nil
	}
	if len(query) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), m.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]schema.ScoredFragment, len(m.fragments))
	for i := range m.fragments {
		score, err := embedding.DotProduct(m.Row(i), query)
		if err != nil {
			return nil, err
		}
		hits[i] = schema.ScoredFragment{Fragment: m.fragments[i], Ordinal: i, Score: score}
	}

	schema.SortScored(hits)
	return hits[:min(k, len(hits))], nil
}

var _ Index = (*MemoryIndex)(nil)
