package rag

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/textsplitter"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by the engine's components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEmbedder sets the embedding model. It is required.
func WithEmbedder(model embedding.EmbeddingModel) Option {
	return func(e *Engine) {
		e.baseEmbedder = model
	}
}

// WithLLM sets the model used for answers and source classification. It is required.
func WithLLM(l llm.LLM) Option {
	return func(e *Engine) {
		e.llm = l
	}
}

// WithSplitter replaces the character splitter built from ChunkSize and ChunkOverlap.
func WithSplitter(splitter textsplitter.TextSplitter) Option {
	return func(e *Engine) {
		e.splitter = splitter
	}
}

// WithManagedBackend replaces the chromem backend.
func WithManagedBackend(b store.Backend) Option {
	return func(e *Engine) {
		e.managed = b
	}
}

// WithNativeBackend replaces the flat backend.
func WithNativeBackend(b store.Backend) Option {
	return func(e *Engine) {
		e.native = b
	}
}

// WithTracerProvider sets where spans go. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}
