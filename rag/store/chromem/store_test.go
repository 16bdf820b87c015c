package chromem

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFragments() ([]schema.Fragment, [][]float32) {
	fragments := []schema.Fragment{
		{Content: "Apple green blouse, runs small.", Metadata: map[string]any{"Clothing ID": int64(1), "Age": int64(30), "Title": nil, schema.ChunkIndexKey: 0}},
		{Content: "Sturdy jeans, great fit.", Metadata: map[string]any{"Clothing ID": int64(2), "Age": int64(41), "Title": "Great jeans", schema.ChunkIndexKey: 0}},
		{Content: "Sturdy jeans, second chunk.", Metadata: map[string]any{"Clothing ID": int64(2), "Age": int64(41), "Title": "Great jeans", schema.ChunkIndexKey: 1}},
	}
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 1, 0}}
	return fragments, vectors
}

func TestBuildAndSearch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()

	b := New()
	assert.Equal(t, store.KindManaged, b.Kind())
	assert.False(t, b.Exists(path))

	idx, err := b.Build(ctx, path, fragments, vectors)
	require.NoError(t, err)
	assert.True(t, b.Exists(path))
	assert.Equal(t, 3, idx.Len())

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].Ordinal)
	assert.Equal(t, "Apple green blouse, runs small.", hits[0].Content)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)

	// Identical vectors tie; ascending ordinal breaks the tie.
	hits, err = idx.Search(ctx, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []int{1, 2, 0}, []int{hits[0].Ordinal, hits[1].Ordinal, hits[2].Ordinal})

	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestSearchResultsArePrefixes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")

	// Duplicate rows tie, so the k boundary falls inside a tie group.
	vectors := [][]float32{
		{0, 0, 1}, {0.6, 0.8, 0}, {1, 0, 0}, {0.6, 0.8, 0},
		{0.8, 0.6, 0}, {0.6, 0.8, 0}, {0, 1, 0}, {1, 0, 0},
	}
	fragments := make([]schema.Fragment, len(vectors))
	for i := range fragments {
		fragments[i] = schema.Fragment{Content: "review " + strconv.Itoa(i)}
	}
	idx, err := New().Build(ctx, path, fragments, vectors)
	require.NoError(t, err)

	query := []float32{0.6, 0.8, 0}
	full, err := idx.Search(ctx, query, len(vectors))
	require.NoError(t, err)
	require.Len(t, full, len(vectors))
	assert.Equal(t, []int{1, 3, 5}, []int{full[0].Ordinal, full[1].Ordinal, full[2].Ordinal})
	for i := 1; i < len(full); i++ {
		assert.LessOrEqual(t, full[i].Score, full[i-1].Score)
	}

	for k := 1; k <= len(vectors); k++ {
		hits, err := idx.Search(ctx, query, k)
		require.NoError(t, err)
		require.Len(t, hits, k)
		for i, h := range hits {
			assert.Equal(t, full[i].Ordinal, h.Ordinal, "k=%d rank=%d", k, i)
			assert.Equal(t, full[i].Score, h.Score, "k=%d rank=%d", k, i)
		}
	}
}

func TestCompressedIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()

	b := New(WithCompression(true), WithConcurrency(2))
	_, err := b.Build(ctx, path, fragments, vectors)
	require.NoError(t, err)

	gz, err := filepath.Glob(filepath.Join(path, "*", "*.gob.gz"))
	require.NoError(t, err)
	assert.NotEmpty(t, gz)

	loaded, err := b.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())

	// An uncompressed reader skips the .gz documents.
	_, err = New().Load(ctx, path)
	assert.ErrorIs(t, err, ErrCollectionMissing)
}

func TestLoadRestoresTypedFragments(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()

	b := New()
	_, err := b.Build(ctx, path, fragments, vectors)
	require.NoError(t, err)

	loaded, err := New().Load(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())

	got := loaded.Fragments()
	for i := range fragments {
		assert.Equal(t, fragments[i].Content, got[i].Content)
	}
	assert.Equal(t, int64(41), got[1].Metadata["Age"])
	assert.Equal(t, "Great jeans", got[1].Metadata["Title"])
	assert.Nil(t, got[0].Metadata["Title"])
	assert.Equal(t, 1, got[2].ChunkIndex())

	hits, err := loaded.Search(ctx, embedding.Normalize([]float32{0, 1, 0.1}), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Ordinal)
}

func TestBuildReplacesPreviousIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()

	b := New()
	_, err := b.Build(ctx, path, fragments, vectors)
	require.NoError(t, err)
	_, err = b.Build(ctx, path, fragments[:1], vectors[:1])
	require.NoError(t, err)

	loaded, err := b.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestEmptyCorpus(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index")

	b := New()
	idx, err := b.Build(ctx, path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())

	hits, err := idx.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLoadFailures(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.Load(ctx, filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()
	_, err = b.Build(ctx, path, fragments, vectors)
	require.NoError(t, err)

	_, err = New(WithCollection("other")).Load(ctx, path)
	assert.ErrorIs(t, err, ErrCollectionMissing)
}

func TestMisalignedBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	fragments, vectors := testFragments()

	_, err := New().Build(context.Background(), path, fragments, vectors[:1])
	assert.ErrorIs(t, err, store.ErrMisaligned)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMetadataEncoding(t *testing.T) {
	meta, err := encodeMetadata(4, map[string]any{"Age": int64(22), "Rating": 4.0, "Title": nil})
	require.NoError(t, err)
	assert.Equal(t, "22", meta["Age"])
	assert.Equal(t, "4", meta["Rating"])
	assert.Equal(t, "", meta["Title"])
	assert.Equal(t, "4", meta[ordinalKey])

	decoded, err := decodeMetadata(meta)
	require.NoError(t, err)
	assert.Equal(t, int64(22), decoded["Age"])
	assert.Equal(t, int64(4), decoded["Rating"])
	assert.Nil(t, decoded["Title"])
}
