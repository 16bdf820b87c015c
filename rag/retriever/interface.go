// Package retriever finds the fragments most similar to a query.
package retriever

import (
	"context"
	"errors"

	"github.com/aqua777/go-reviewrag/schema"
)

// ErrInvalidTopK is returned when fewer than one result is requested.
var ErrInvalidTopK = errors.New("top-k must be at least 1")

// Retriever is the interface for all retrievers.
type Retriever interface {
	// Retrieve returns up to k fragments ordered by descending similarity.
	Retrieve(ctx context.Context, query string, k int) ([]schema.ScoredFragment, error)
}
