package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aqua777/go-reviewrag/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSource(t *testing.T) {
	tests := []struct {
		name                        string
		nativeExists, managedExists bool
		forceRebuild                bool
		want                        Source
	}{
		{"nothing persisted", false, false, false, SourceBuildManaged},
		{"managed only", false, true, false, SourceLoadManaged},
		{"native only", true, false, false, SourceLoadNative},
		{"native wins over managed", true, true, false, SourceLoadNative},
		{"forced rebuild ignores native", true, true, true, SourceBuildManaged},
		{"forced rebuild ignores managed", false, true, true, SourceBuildManaged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectSource(tt.nativeExists, tt.managedExists, tt.forceRebuild))
		})
	}
}

func TestModTime(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a")
	newer := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))

	stamp := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(newer, stamp, stamp))

	got, ok := ModTime(dir)
	require.True(t, ok)
	assert.True(t, got.Equal(stamp))

	_, ok = ModTime(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestCheckAligned(t *testing.T) {
	frags := []schema.Fragment{{Content: "a"}, {Content: "b"}}

	dim, err := CheckAligned(frags, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, dim)

	_, err = CheckAligned(frags, [][]float32{{1, 0}})
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = CheckAligned(frags, [][]float32{{1, 0}, {1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	dim, err = CheckAligned(nil, nil)
	require.NoError(t, err)
	assert.Zero(t, dim)
}

func TestMemoryIndexSearch(t *testing.T) {
	ctx := context.Background()
	frags := []schema.Fragment{{Content: "x"}, {Content: "y"}, {Content: "xy"}, {Content: "x again"}}
	idx, err := NewMemoryIndex(frags, [][]float32{{2, 0}, {0, 3}, {1, 1}, {5, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Dim())

	hits, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Ordinals 0 and 3 tie after normalization; the lower ordinal comes first.
	assert.Equal(t, 0, hits[0].Ordinal)
	assert.Equal(t, 3, hits[1].Ordinal)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	_, err = idx.Search(ctx, []float32{1, 0}, 0)
	assert.Error(t, err)
}

func TestMemoryIndexMonotonic(t *testing.T) {
	ctx := context.Background()
	frags := make([]schema.Fragment, 6)
	vecs := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 1, 0}, {0.5, 0.5, 0.5}, {0, 0, 1}, {0.7, 0, 0.3}}
	idx, err := NewMemoryIndex(frags, vecs)
	require.NoError(t, err)

	query := []float32{1, 0, 0}
	for k := 1; k <= len(frags); k++ {
		small, err := idx.Search(ctx, query, k)
		require.NoError(t, err)
		large, err := idx.Search(ctx, query, k+1)
		require.NoError(t, err)
		for i := range small {
			assert.Equal(t, small[i].Ordinal, large[i].Ordinal, "k=%d position %d", k, i)
		}
	}
}
