package embedding

import "context"

// Normalized wraps a model so every embedding it returns has unit L2 norm.
// Inner products between its outputs are cosine similarities.
type Normalized struct {
	Model EmbeddingModel
}

// NewNormalized wraps model. Wrapping an already normalized model returns it unchanged.
func NewNormalized(model EmbeddingModel) *Normalized {
	if n, ok := model.(*Normalized); ok {
		return n
	}
	return &Normalized{Model: model}
}

func (n *Normalized) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	vec, err := n.Model.GetTextEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	NormalizeInPlace(vec)
	return vec, nil
}

func (n *Normalized) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	vec, err := n.Model.GetQueryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	NormalizeInPlace(vec)
	return vec, nil
}

// GetTextEmbeddingsBatch uses the wrapped model's batch call when it has one.
func (n *Normalized) GetTextEmbeddingsBatch(ctx context.Context, texts []string, callback ProgressCallback) ([][]float32, error) {
	var (
		vecs [][]float32
		err  error
	)
	if batcher, ok := n.Model.(EmbeddingModelWithBatch); ok {
		vecs, err = batcher.GetTextEmbeddingsBatch(ctx, texts, callback)
	} else {
		vecs, err = embedSequentially(ctx, n.Model, texts, callback)
	}
	if err != nil {
		return nil, err
	}
	for _, v := range vecs {
		NormalizeInPlace(v)
	}
	return vecs, nil
}

// Info reports the wrapped model's info, or a default when it has none.
func (n *Normalized) Info() EmbeddingInfo {
	if withInfo, ok := n.Model.(EmbeddingModelWithInfo); ok {
		return withInfo.Info()
	}
	return EmbeddingInfo{}
}

func embedSequentially(ctx context.Context, model EmbeddingModel, texts []string, callback ProgressCallback) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := model.GetTextEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
		if callback != nil {
			callback(i+1, len(texts))
		}
	}
	return out, nil
}

var _ EmbeddingModelWithBatch = (*Normalized)(nil)
var _ EmbeddingModelWithInfo = (*Normalized)(nil)
