package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// MockEmbeddingModel is a mock implementation of the EmbeddingModel interface.
// With no Embedding or EmbedFunc set it returns a deterministic bag-of-words hash
// embedding of Dimensions (default 32) so that texts sharing words score higher.
type MockEmbeddingModel struct {
	Embedding  []float32
	EmbedFunc  func(text string) ([]float32, error)
	Err        error
	Dimensions int

	mu      sync.Mutex
	calls   int
	batches int
	texts   []string
}

func (m *MockEmbeddingModel) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	m.record(text)
	return m.embed(text)
}

func (m *MockEmbeddingModel) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	m.record(query)
	return m.embed(query)
}

func (m *MockEmbeddingModel) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		m.record(text)
		vec, err := m.embed(text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	if callback != nil {
		callback(len(texts), len(texts))
	}
	return out, nil
}

func (m *MockEmbeddingModel) Info() EmbeddingInfo {
	return EmbeddingInfo{ModelName: "mock", Dimensions: m.dims()}
}

// Calls returns how many texts were embedded.
func (m *MockEmbeddingModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Batches returns how many batch requests were made.
func (m *MockEmbeddingModel) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Texts returns every text embedded so far, in call order.
func (m *MockEmbeddingModel) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *MockEmbeddingModel) record(text string) {
	m.mu.Lock()
	m.calls++
	m.texts = append(m.texts, text)
	m.mu.Unlock()
}

func (m *MockEmbeddingModel) dims() int {
	if len(m.Embedding) > 0 {
		return len(m.Embedding)
	}
	if m.Dimensions > 0 {
		return m.Dimensions
	}
	return 32
}

func (m *MockEmbeddingModel) embed(text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.EmbedFunc != nil {
		return m.EmbedFunc(text)
	}
	if m.Embedding != nil {
		return append([]float32(nil), m.Embedding...), nil
	}
	return HashEmbedding(text, m.dims()), nil
}

// HashEmbedding maps each lower-cased word of text to a bucket and counts occurrences.
// Blank text maps to a vector with a single 1 in the first bucket.
func HashEmbedding(text string, dims int) []float32 {
	vec := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		vec[0] = 1
		return vec
	}
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32()%uint32(dims))]++
	}
	return vec
}

var _ EmbeddingModelWithBatch = (*MockEmbeddingModel)(nil)
var _ EmbeddingModelWithInfo = (*MockEmbeddingModel)(nil)
