// Package flat persists a MemoryIndex as a binary vector file plus a JSON fragment file.
package flat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
)

const (
	// IndexFile holds the vectors.
	IndexFile = "index.flat"
	// MetadataFile holds the fragments, aligned with the vectors by position.
	MetadataFile = "metadata.json"

	magic = "FLATIP01"
	// maxDim bounds the header's dimension before anything is allocated from it.
	maxDim = 1 << 16
)

var (
	// ErrArtifactMissing is returned when either artifact is absent.
	ErrArtifactMissing = errors.New("native index artifact missing")
	// ErrArtifactMismatch is returned when the artifacts disagree or are malformed.
	ErrArtifactMismatch = errors.New("native index artifacts do not match")
)

// Backend writes and reads the native index.
type Backend struct {
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a native index backend.
func New(opts ...Option) *Backend {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Kind() store.Kind {
	return store.KindNative
}

// Exists reports whether both artifacts are present.
func (b *Backend) Exists(path string) bool {
	return fileExists(filepath.Join(path, IndexFile)) && fileExists(filepath.Join(path, MetadataFile))
}

// Build normalizes vectors, writes both artifacts (overwriting any previous pair)
// and returns the in-memory index.
func (b *Backend) Build(ctx context.Context, path string, fragments []schema.Fragment, vectors [][]float32) (store.Index, error) {
	idx, err := store.NewMemoryIndex(fragments, vectors)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating native index directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(path, IndexFile), func(w io.Writer) error {
		return writeVectors(w, idx)
	}); err != nil {
		return nil, fmt.Errorf("writing %s: %w", IndexFile, err)
	}
	if err := writeAtomic(filepath.Join(path, MetadataFile), func(w io.Writer) error {
		return writeFragments(w, fragments)
	}); err != nil {
		return nil, fmt.Errorf("writing %s: %w", MetadataFile, err)
	}

	b.logger.Info("native index written", "path", path, "fragments", idx.Len(), "dim", idx.Dim())
	return idx, nil
}

// Load reads both artifacts. Differing counts are ErrArtifactMismatch; the index
// is never truncated or padded to make them agree.
func (b *Backend) Load(ctx context.Context, path string) (store.Index, error) {
	vecPath := filepath.Join(path, IndexFile)
	metaPath := filepath.Join(path, MetadataFile)
	for _, p := range []string{vecPath, metaPath} {
		if !fileExists(p) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, p)
		}
	}

	vectors, err := readVectorFile(vecPath)
	if err != nil {
		return nil, err
	}
	fragments, err := readFragmentFile(metaPath)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(fragments) {
		return nil, fmt.Errorf("%w: %d vectors, %d metadata entries", ErrArtifactMismatch, len(vectors), len(fragments))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx, err := store.RestoreMemoryIndex(fragments, vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactMismatch, err)
	}
	b.logger.Info("native index loaded", "path", path, "fragments", idx.Len(), "dim", idx.Dim())
	return idx, nil
}

func writeVectors(w io.Writer, idx *store.MemoryIndex) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(idx.Dim())); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(idx.Len())); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for i := 0; i < idx.Len(); i++ {
		for _, v := range idx.Row(i) {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func readVectorFile(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", IndexFile, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return readVectors(bufio.NewReader(f), info.Size())
}

// readVectors decodes the vector file; size is the total byte length, used to
// reject headers that promise more data than the file holds.
func readVectors(r io.Reader, size int64) ([][]float32, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrArtifactMismatch, err)
	}
	if !bytes.Equal(header, []byte(magic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrArtifactMismatch, header)
	}

	var dim uint32
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("%w: reading dimension: %v", ErrArtifactMismatch, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: reading count: %v", ErrArtifactMismatch, err)
	}

	if dim > maxDim {
		return nil, fmt.Errorf("%w: dimension %d exceeds %d", ErrArtifactMismatch, dim, maxDim)
	}
	// An empty index is written with dimension 0.
	if (dim == 0) != (count == 0) {
		return nil, fmt.Errorf("%w: header claims %d vectors of dimension %d", ErrArtifactMismatch, count, dim)
	}

	const headerSize = int64(len(magic) + 4 + 8)
	payload := uint64(size - headerSize)
	if count == 0 {
		if payload != 0 {
			return nil, fmt.Errorf("%w: %d payload bytes for an empty index", ErrArtifactMismatch, payload)
		}
		return [][]float32{}, nil
	}
	if count > payload/(4*uint64(dim)) || payload != count*4*uint64(dim) {
		return nil, fmt.Errorf("%w: %d payload bytes for %d vectors of dimension %d", ErrArtifactMismatch, payload, count, dim)
	}

	vectors := make([][]float32, count)
	buf := make([]byte, 4*int(dim))
	for i := range vectors {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: reading vector %d: %v", ErrArtifactMismatch, i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func writeFragments(w io.Writer, fragments []schema.Fragment) error {
	if fragments == nil {
		fragments = []schema.Fragment{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(fragments)
}

func readFragmentFile(path string) ([]schema.Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", MetadataFile, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()

	var fragments []schema.Fragment
	if err := dec.Decode(&fragments); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrArtifactMismatch, MetadataFile, err)
	}
	for i := range fragments {
		fragments[i].Metadata = schema.NormalizeJSONMetadata(fragments[i].Metadata)
	}
	return fragments, nil
}

// writeAtomic writes through a temp file in the same directory and renames it into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var _ store.Backend = (*Backend)(nil)
