package flat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type FlatTestSuite struct {
	suite.Suite
	ctx       context.Context
	dir       string
	backend   *Backend
	fragments []schema.Fragment
	vectors   [][]float32
}

func TestFlatTestSuite(t *testing.T) {
	suite.Run(t, new(FlatTestSuite))
}

func (s *FlatTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = filepath.Join(s.T().TempDir(), "index_native")
	s.backend = New()

	texts := []string{
		"The dress runs small, order a size up.",
		"Lovely soft fabric and a flattering cut.",
		"Colour faded after the first wash.",
		"Runs small in the shoulders.",
	}
	for i, text := range texts {
		s.fragments = append(s.fragments, schema.Fragment{
			Content: text,
			Metadata: map[string]any{
				"Clothing ID":        int64(1000 + i),
				"Title":              "review",
				"Rating":             4.5,
				schema.ChunkIndexKey: 0,
			},
		})
		s.vectors = append(s.vectors, embedding.HashEmbedding(text, 16))
	}
}

func (s *FlatTestSuite) TearDownTest() {
	s.fragments = nil
	s.vectors = nil
}

func (s *FlatTestSuite) TestRoundTripPreservesSearch() {
	built, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)
	s.True(s.backend.Exists(s.dir))

	loaded, err := s.backend.Load(s.ctx, s.dir)
	s.Require().NoError(err)
	s.Equal(built.Len(), loaded.Len())

	query := embedding.Normalize(embedding.HashEmbedding("does it run small", 16))
	want, err := built.Search(s.ctx, query, 3)
	s.Require().NoError(err)
	got, err := loaded.Search(s.ctx, query, 3)
	s.Require().NoError(err)

	s.Require().Len(got, 3)
	for i := range want {
		s.Equal(want[i].Ordinal, got[i].Ordinal)
		s.Equal(want[i].Score, got[i].Score)
		s.Equal(want[i].Content, got[i].Content)
	}
}

func (s *FlatTestSuite) TestRoundTripPreservesTypedMetadata() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	loaded, err := s.backend.Load(s.ctx, s.dir)
	s.Require().NoError(err)

	meta := loaded.Fragments()[2].Metadata
	s.Equal(int64(1002), meta["Clothing ID"])
	s.Equal(4.5, meta["Rating"])
	s.Equal("review", meta["Title"])
	s.Equal(0, loaded.Fragments()[2].ChunkIndex())
}

func (s *FlatTestSuite) TestRowsAreNormalized() {
	idx, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	mem := idx.(*store.MemoryIndex)
	for i := 0; i < mem.Len(); i++ {
		s.InDelta(1.0, embedding.Magnitude(mem.Row(i)), 1e-5)
	}
}

func (s *FlatTestSuite) TestSearchOrderAndClamp() {
	idx, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	hits, err := idx.Search(s.ctx, embedding.Normalize(s.vectors[1]), 10)
	s.Require().NoError(err)
	s.Len(hits, len(s.fragments))
	s.Equal(1, hits[0].Ordinal)
	s.InDelta(1.0, hits[0].Score, 1e-5)
	for i := 1; i < len(hits); i++ {
		s.GreaterOrEqual(hits[i-1].Score, hits[i].Score)
	}

	_, err = idx.Search(s.ctx, []float32{1, 2}, 1)
	s.ErrorIs(err, store.ErrDimensionMismatch)
}

func (s *FlatTestSuite) TestCountMismatchIsFatal() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	extra := append(append([]schema.Fragment(nil), s.fragments...), schema.Fragment{Content: "orphan"})
	data, err := json.Marshal(extra)
	s.Require().NoError(err)
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, MetadataFile), data, 0o644))

	_, err = s.backend.Load(s.ctx, s.dir)
	s.ErrorIs(err, ErrArtifactMismatch)
}

func (s *FlatTestSuite) TestMissingArtifact() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)
	s.Require().NoError(os.Remove(filepath.Join(s.dir, MetadataFile)))

	s.False(s.backend.Exists(s.dir))
	_, err = s.backend.Load(s.ctx, s.dir)
	s.ErrorIs(err, ErrArtifactMissing)
}

func flatHeader(dim uint32, count uint64) []byte {
	out := []byte(magic)
	out = binary.LittleEndian.AppendUint32(out, dim)
	return binary.LittleEndian.AppendUint64(out, count)
}

func (s *FlatTestSuite) TestCorruptVectorFile() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	path := filepath.Join(s.dir, IndexFile)
	data, err := os.ReadFile(path)
	s.Require().NoError(err)

	badMagic := append([]byte(nil), data...)
	copy(badMagic, "NOTFLAT!")

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated payload", data: data[:len(data)-4]},
		{name: "bad magic", data: badMagic},
		{name: "huge dimension with no vectors", data: flatHeader(1<<31, 0)},
		{name: "huge dimension with vectors", data: append(flatHeader(1<<31, 1), make([]byte, 16)...)},
		{name: "vectors without dimension", data: flatHeader(0, 3)},
		{name: "dimension without vectors", data: flatHeader(4, 0)},
		{name: "empty index with trailing bytes", data: append(flatHeader(0, 0), 1, 2, 3, 4)},
		{name: "count beyond payload", data: append(flatHeader(2, 1<<40), make([]byte, 8)...)},
		{name: "short header", data: []byte(magic)},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Require().NoError(os.WriteFile(path, tt.data, 0o644))
			_, err := s.backend.Load(s.ctx, s.dir)
			s.ErrorIs(err, ErrArtifactMismatch)
		})
	}
}

func (s *FlatTestSuite) TestBuildOverwrites() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors)
	s.Require().NoError(err)

	_, err = s.backend.Build(s.ctx, s.dir, s.fragments[:1], s.vectors[:1])
	s.Require().NoError(err)

	loaded, err := s.backend.Load(s.ctx, s.dir)
	s.Require().NoError(err)
	s.Equal(1, loaded.Len())
}

func (s *FlatTestSuite) TestEmptyCorpus() {
	idx, err := s.backend.Build(s.ctx, s.dir, nil, nil)
	s.Require().NoError(err)
	s.Equal(0, idx.Len())

	loaded, err := s.backend.Load(s.ctx, s.dir)
	s.Require().NoError(err)
	s.Equal(0, loaded.Len())

	hits, err := loaded.Search(s.ctx, []float32{1}, 3)
	s.Require().NoError(err)
	s.Empty(hits)
}

func (s *FlatTestSuite) TestMisalignedBuild() {
	_, err := s.backend.Build(s.ctx, s.dir, s.fragments, s.vectors[:2])
	s.ErrorIs(err, store.ErrMisaligned)
	s.False(s.backend.Exists(s.dir))
}

func TestKind(t *testing.T) {
	assert.Equal(t, store.KindNative, New().Kind())
	require.False(t, New().Exists(t.TempDir()))
}
