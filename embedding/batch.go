package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 256

// BatchEmbedder embeds large text sets in fixed-size batches, optionally
// throttled to a number of requests per second.
type BatchEmbedder struct {
	model     EmbeddingModel
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// BatchOption configures a BatchEmbedder.
type BatchOption func(*BatchEmbedder)

// WithBatchSize sets the batch size. Non-positive values keep DefaultBatchSize.
func WithBatchSize(size int) BatchOption {
	return func(b *BatchEmbedder) {
		if size > 0 {
			b.batchSize = size
		}
	}
}

// WithRequestsPerSecond limits how often batches are sent. rps <= 0 disables throttling.
func WithRequestsPerSecond(rps float64) BatchOption {
	return func(b *BatchEmbedder) {
		if rps > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			b.limiter = nil
		}
	}
}

// WithBatchLogger sets the logger used for progress reporting.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchEmbedder) {
		b.logger = logger
	}
}

// NewBatchEmbedder creates a BatchEmbedder over model.
func NewBatchEmbedder(model EmbeddingModel, opts ...BatchOption) *BatchEmbedder {
	b := &BatchEmbedder{
		model:     model,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BatchSize returns the configured batch size.
func (b *BatchEmbedder) BatchSize() int {
	return b.batchSize
}

// EmbedAll embeds texts in order. The result is aligned 1:1 with texts.
// Any failed batch aborts the whole run.
func (b *BatchEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))

		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
			}
		}

		vecs, err := b.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", start, end, len(vecs), end-start)
		}
		out = append(out, vecs...)

		b.logger.Debug("embedded batch", "done", end, "total", len(texts))
	}

	b.logger.Info("embedded texts", "count", len(out), "batch_size", b.batchSize)
	return out, nil
}

func (b *BatchEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if batcher, ok := b.model.(EmbeddingModelWithBatch); ok {
		return batcher.GetTextEmbeddingsBatch(ctx, texts, nil)
	}
	return embedSequentially(ctx, b.model, texts, nil)
}
