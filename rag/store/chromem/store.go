// Package chromem is the managed index backend, persisted by chromem-go.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
	"github.com/philippgille/chromem-go"
)

const (
	// DefaultCollection is the collection holding the review fragments.
	DefaultCollection = "reviews"

	ordinalKey = "_ordinal"
	recordKey  = "_record"
	docPrefix  = "frag-"
)

// ErrCollectionMissing is returned by Load when the database lacks the collection.
var ErrCollectionMissing = errors.New("chromem collection missing")

// Backend stores fragments as documents of one chromem collection.
type Backend struct {
	collection  string
	concurrency int
	compress    bool
	logger      *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(b *Backend) {
		b.collection = name
	}
}

// WithConcurrency sets how many goroutines chromem uses when adding documents.
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithCompression gzips the persisted documents.
func WithCompression(compress bool) Option {
	return func(b *Backend) {
		b.compress = compress
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a managed index backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		collection:  DefaultCollection,
		concurrency: runtime.NumCPU(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Kind() store.Kind {
	return store.KindManaged
}

// Exists reports whether path is a non-empty directory.
// NewPersistentDB creates its directory, so existence is checked without opening the DB.
func (b *Backend) Exists(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// Build replaces anything persisted at path with a fresh collection of fragments.
func (b *Backend) Build(ctx context.Context, path string, fragments []schema.Fragment, vectors [][]float32) (store.Index, error) {
	dim, err := store.CheckAligned(fragments, vectors)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("clearing managed index: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, b.compress)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistent chromem db: %w", err)
	}

	// Embeddings are always supplied, so chromem never needs an embedding function.
	collection, err := db.CreateCollection(b.collection, map[string]string{
		"fragments": strconv.Itoa(len(fragments)),
		"dim":       strconv.Itoa(dim),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	docs := make([]chromem.Document, len(fragments))
	for i, f := range fragments {
		meta, err := encodeMetadata(i, f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("fragment %d: %w", i, err)
		}
		docs[i] = chromem.Document{
			ID:        docID(i),
			Content:   f.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
	}

	// chromem rejects an empty batch.
	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, b.concurrency); err != nil {
			return nil, fmt.Errorf("failed to add documents to chromem collection: %w", err)
		}
	}

	b.logger.Info("managed index built", "path", path, "fragments", len(fragments), "dim", dim)
	return &Index{collection: collection, fragments: fragments, dim: dim}, nil
}

// Load reopens the collection at path and restores the fragments in ordinal order.
func (b *Backend) Load(ctx context.Context, path string) (store.Index, error) {
	if !b.Exists(path) {
		return nil, fmt.Errorf("no managed index at %s", path)
	}

	db, err := chromem.NewPersistentDB(path, b.compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistent chromem db: %w", err)
	}
	collection := db.GetCollection(b.collection, nil)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionMissing, b.collection)
	}

	count := collection.Count()
	fragments := make([]schema.Fragment, count)
	dim := 0
	for i := 0; i < count; i++ {
		doc, err := collection.GetByID(ctx, docID(i))
		if err != nil {
			return nil, fmt.Errorf("reading fragment %d: %w", i, err)
		}
		meta, err := decodeMetadata(doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decoding fragment %d: %w", i, err)
		}
		if i == 0 {
			dim = len(doc.Embedding)
		} else if len(doc.Embedding) != dim {
			return nil, fmt.Errorf("fragment %d: %w", i, store.ErrDimensionMismatch)
		}
		fragments[i] = schema.Fragment{Content: doc.Content, Metadata: meta}
	}

	b.logger.Info("managed index loaded", "path", path, "fragments", count, "dim", dim)
	return &Index{collection: collection, fragments: fragments, dim: dim}, nil
}

// Index searches a chromem collection.
type Index struct {
	collection *chromem.Collection
	fragments  []schema.Fragment
	dim        int
}

func (x *Index) Len() int {
	return len(x.fragments)
}

func (x *Index) Fragments() []schema.Fragment {
	return x.fragments
}

// Dim returns the vector dimension, 0 for an empty collection.
func (x *Index) Dim() int {
	return x.dim
}

// Search clamps k to the collection size, since chromem rejects larger requests.
// Documents tied with the k-th score are fetched too, so ties always resolve by
// ordinal and the result for k is a prefix of the result for k+1.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]schema.ScoredFragment, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	n := x.collection.Count()
	if n == 0 {
		return []schema.ScoredFragment{}, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", store.ErrDimensionMismatch, len(query), x.dim)
	}

	want := min(k, n)
	res, err := x.queryTies(ctx, query, want, n)
	if err != nil {
		return nil, err
	}

	hits := make([]schema.ScoredFragment, 0, len(res))
	for _, r := range res {
		ordinal, err := strconv.Atoi(r.Metadata[ordinalKey])
		if err != nil || ordinal < 0 || ordinal >= len(x.fragments) {
			return nil, fmt.Errorf("document %s has invalid ordinal %q", r.ID, r.Metadata[ordinalKey])
		}
		hits = append(hits, schema.ScoredFragment{
			Fragment: x.fragments[ordinal],
			Ordinal:  ordinal,
			Score:    r.Similarity,
		})
	}
	schema.SortScored(hits)
	return hits[:min(want, len(hits))], nil
}

// queryTies widens the chromem query until the last result scores below the
// want-th one or the collection is exhausted.
func (x *Index) queryTies(ctx context.Context, query []float32, want, n int) ([]chromem.Result, error) {
	fetch := min(want+1, n)
	for {
		res, err := x.collection.QueryEmbedding(ctx, query, fetch, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query chromem collection: %w", err)
		}
		if fetch == n || len(res) <= want || res[len(res)-1].Similarity != res[want-1].Similarity {
			return res, nil
		}
		fetch = min(fetch*2, n)
	}
}

func docID(ordinal int) string {
	return docPrefix + strconv.Itoa(ordinal)
}

// encodeMetadata flattens metadata to strings for chromem filtering and keeps the
// typed original as JSON under _record.
func encodeMetadata(ordinal int, metadata map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		if k == ordinalKey || k == recordKey {
			continue
		}
		out[k] = schema.FormatValue(v)
	}
	record, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	out[ordinalKey] = strconv.Itoa(ordinal)
	out[recordKey] = string(record)
	return out, nil
}

func decodeMetadata(meta map[string]string) (map[string]any, error) {
	raw, ok := meta[recordKey]
	if !ok {
		out := make(map[string]any, len(meta))
		for k, v := range meta {
			if k != ordinalKey {
				out[k] = v
			}
		}
		return out, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return schema.NormalizeJSONMetadata(out), nil
}

var (
	_ store.Backend = (*Backend)(nil)
	_ store.Index   = (*Index)(nil)
)
