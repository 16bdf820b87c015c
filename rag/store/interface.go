// Package store defines the vector index backends and how one is chosen at startup.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aqua777/go-reviewrag/schema"
)

// Kind identifies an index backend.
type Kind string

const (
	// KindManaged is the chromem-go backed index, built and persisted automatically.
	KindManaged Kind = "managed"
	// KindNative is the flat inner-product index, produced only by an explicit export.
	KindNative Kind = "native"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrMisaligned is returned when fragments and vectors differ in count.
var ErrMisaligned = errors.New("fragments and vectors are not aligned")

// Index is a built, immutable vector index over a fragment sequence.
type Index interface {
	// Len returns the number of indexed fragments.
	Len() int
	// Search returns at most k hits ordered by descending score, ties by ascending ordinal.
	Search(ctx context.Context, query []float32, k int) ([]schema.ScoredFragment, error)
	// Fragments returns the indexed fragments in insertion order.
	Fragments() []schema.Fragment
	// Dim returns the vector dimension, 0 when the index is empty.
	Dim() int
}

// Backend builds, persists and loads one kind of index.
type Backend interface {
	Kind() Kind
	// Exists reports whether a persisted index is present at path.
	Exists(path string) bool
	// Build indexes fragments with their aligned vectors and persists the result at path,
	// replacing whatever was there.
	Build(ctx context.Context, path string, fragments []schema.Fragment, vectors [][]float32) (Index, error)
	// Load opens the index persisted at path.
	Load(ctx context.Context, path string) (Index, error)
}

// CheckAligned validates the fragment/vector invariant shared by every backend and
// returns the common vector dimension (0 when there are no vectors).
func CheckAligned(fragments []schema.Fragment, vectors [][]float32) (int, error) {
	if len(fragments) != len(vectors) {
		return 0, fmt.Errorf("%w: %d fragments, %d vectors", ErrMisaligned, len(fragments), len(vectors))
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: vector 0 is empty", ErrDimensionMismatch)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}
