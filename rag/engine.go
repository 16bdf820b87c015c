// Package rag answers questions about a review dataset by retrieving the most
// similar review fragments and asking an LLM to answer from them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqua777/go-reviewrag/dataset"
	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/ingestion"
	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/prompts"
	"github.com/aqua777/go-reviewrag/rag/retriever"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/rag/store/chromem"
	"github.com/aqua777/go-reviewrag/rag/store/flat"
	"github.com/aqua777/go-reviewrag/rag/synthesizer"
	"github.com/aqua777/go-reviewrag/schema"
	"github.com/aqua777/go-reviewrag/textsplitter"
)

const tracerName = "github.com/aqua777/go-reviewrag/rag"

// probeText is embedded once at construction to check the provider and learn the dimension.
const probeText = "review"

var (
	// ErrConstruction marks failures while building or loading the index.
	ErrConstruction = errors.New("engine construction failed")
	// ErrRetrieval marks failures while embedding the query or searching the index.
	ErrRetrieval = errors.New("retrieval failed")
	// ErrGeneration marks failures of the answer-generating LLM call.
	ErrGeneration = synthesizer.ErrGeneration
	// ErrNotServing is returned by Answer before construction has completed.
	ErrNotServing = errors.New("engine is not serving")
)

// Phase is the engine's lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseEmbedderReady Phase = "embedder_ready"
	PhaseIndexReady    Phase = "index_ready"
	PhaseServing       Phase = "serving"
	PhaseRebuilding    Phase = "rebuilding"
)

// Answer is the result of one question.
type Answer struct {
	Answer string `json:"answer"`
	// Sources holds every retrieved fragment, never nil.
	Sources []schema.Source `json:"sources"`
	// IncludeSources tells the caller whether to show Sources to the user.
	IncludeSources bool `json:"include_sources"`
}

// Stats describes the active index.
type Stats struct {
	Phase     Phase        `json:"phase"`
	Backend   store.Kind   `json:"backend"`
	Source    store.Source `json:"source"`
	Fragments int          `json:"fragments"`
	Dim       int          `json:"dim"`
	TextField string       `json:"text_field"`
	// EmbedModel names the embedding model when the provider reports it.
	EmbedModel string `json:"embed_model,omitempty"`
	IndexPath  string `json:"index_path"`
	// IndexModTime is the newest modification time below IndexPath, zero if unknown.
	IndexModTime time.Time `json:"index_mod_time"`
}

// Engine owns the embedder, the active index and the answer composer.
// Answer may be called concurrently. ExportNativeIndex and Rebuild run one at a
// time and do their slow work outside mu, so Phase and Stats never wait on them.
type Engine struct {
	// mu guards the active index and the fragment cache.
	mu sync.RWMutex
	// buildMu serializes Rebuild and ExportNativeIndex.
	buildMu sync.Mutex

	cfg       Config
	records   []schema.Record
	textField string

	baseEmbedder  embedding.EmbeddingModel
	embedder      embedding.EmbeddingModel
	queryEmbedder embedding.EmbeddingModel
	batcher       *embedding.BatchEmbedder
	dim           int

	llm      llm.LLM
	splitter textsplitter.TextSplitter
	pipeline *ingestion.Pipeline
	managed  store.Backend
	native   store.Backend

	index     store.Index
	kind      store.Kind
	source    store.Source
	retriever retriever.Retriever
	composer  *synthesizer.Composer

	// fragments and vectors are kept after a build so export does not re-embed.
	fragments    []schema.Fragment
	vectors      [][]float32
	materialized bool

	phase  atomic.Value
	tracer trace.Tracer
	logger *slog.Logger
}

// New builds a serving engine over ds. It performs exactly one of: load the native
// index, load the managed index, or build and persist the managed index. A managed
// index that fails to load is rebuilt; any other failure wraps ErrConstruction.
func New(ctx context.Context, ds *dataset.Dataset, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		logger: slog.Default(),
	}
	e.setPhase(PhaseUninitialized)
	for _, opt := range opts {
		opt(e)
	}

	ctx, span := e.tracer.Start(ctx, "rag.New")
	defer span.End()

	if err := e.init(ctx, ds); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	span.SetAttributes(
		attribute.String("rag.source", string(e.source)),
		attribute.Int("rag.fragments", e.index.Len()))
	return e, nil
}

func (e *Engine) init(ctx context.Context, ds *dataset.Dataset) error {
	start := time.Now()

	if err := e.cfg.validate(); err != nil {
		return err
	}
	if ds == nil {
		return errors.New("no dataset")
	}
	if e.baseEmbedder == nil {
		return errors.New("no embedding model configured")
	}
	if e.llm == nil {
		return errors.New("no LLM configured")
	}

	field, err := dataset.ResolveTextField(ds, e.cfg.TextField)
	if err != nil {
		return err
	}
	e.textField = field
	e.records = ds.Records

	if err := e.initEmbedder(ctx); err != nil {
		return err
	}
	e.setPhase(PhaseEmbedderReady)

	if e.splitter == nil {
		e.splitter = textsplitter.NewRecursiveCharacterSplitter(e.cfg.ChunkSize, e.cfg.ChunkOverlap)
	}
	e.pipeline = ingestion.NewPipeline(e.textField,
		ingestion.WithSplitter(e.splitter),
		ingestion.WithLogger(e.logger))
	if e.managed == nil {
		e.managed = chromem.New(chromem.WithLogger(e.logger))
	}
	if e.native == nil {
		e.native = flat.New(flat.WithLogger(e.logger))
	}

	if err := e.initIndex(ctx); err != nil {
		return err
	}
	e.setPhase(PhaseIndexReady)

	composerOpts := []synthesizer.ComposerOption{
		synthesizer.WithDecisionMode(e.cfg.DecisionMode),
		synthesizer.WithLogger(e.logger),
	}
	if m, ok := e.llm.(llm.LLMWithMetadata); ok {
		meta := m.Metadata()
		composerOpts = append(composerOpts, synthesizer.WithContextWindow(meta.ContextWindow, meta.NumOutputTokens))
	}
	e.composer = synthesizer.NewComposer(e.llm, composerOpts...)
	e.setPhase(PhaseServing)

	e.logger.Info("engine ready",
		"source", e.source,
		"backend", e.kind,
		"fragments", e.index.Len(),
		"text_field", e.textField,
		"elapsed", time.Since(start))
	return nil
}

// initEmbedder wraps the provider model once: normalization for everything, plus an
// LRU cache on the query path. The probe call fails fast when the provider is unusable.
func (e *Engine) initEmbedder(ctx context.Context) error {
	e.embedder = embedding.NewNormalized(e.baseEmbedder)

	probe, err := e.embedder.GetQueryEmbedding(ctx, probeText)
	if err != nil {
		return fmt.Errorf("embedding provider unavailable: %w", err)
	}
	if len(probe) == 0 {
		return errors.New("embedding provider returned an empty vector")
	}
	e.dim = len(probe)

	e.queryEmbedder, err = embedding.NewQueryCache(e.embedder, e.cfg.QueryCacheSize)
	if err != nil {
		return err
	}
	e.batcher = embedding.NewBatchEmbedder(e.embedder,
		embedding.WithBatchSize(e.cfg.BatchSize),
		embedding.WithRequestsPerSecond(e.cfg.RequestsPerSecond),
		embedding.WithBatchLogger(e.logger))
	return nil
}

func (e *Engine) initIndex(ctx context.Context) error {
	source := store.SelectSource(
		e.native.Exists(e.cfg.NativePath),
		e.managed.Exists(e.cfg.PersistPath),
		e.cfg.ForceRebuild)

	switch source {
	case store.SourceLoadNative:
		idx, err := e.native.Load(ctx, e.cfg.NativePath)
		if err != nil {
			return fmt.Errorf("loading native index: %w", err)
		}
		if err := e.checkDim(idx); err != nil {
			return fmt.Errorf("loading native index: %w", err)
		}
		e.install(idx, e.native.Kind(), source)
		return nil

	case store.SourceLoadManaged:
		idx, err := e.managed.Load(ctx, e.cfg.PersistPath)
		if err == nil {
			err = e.checkDim(idx)
		}
		if err == nil {
			e.install(idx, e.managed.Kind(), source)
			return nil
		}
		e.logger.Warn("managed index unusable, rebuilding", "path", e.cfg.PersistPath, "error", err)
		source = store.SourceBuildManaged
	}

	idx, err := e.buildManaged(ctx)
	if err != nil {
		return err
	}
	e.install(idx, e.managed.Kind(), source)
	return nil
}

// checkDim rejects an index built with a different embedding model.
func (e *Engine) checkDim(idx store.Index) error {
	if idx.Len() > 0 && idx.Dim() != e.dim {
		return fmt.Errorf("%w: index has %d dimensions, embedder produces %d",
			store.ErrDimensionMismatch, idx.Dim(), e.dim)
	}
	return nil
}

// computeFragments chunks the records and embeds every fragment. It reads only
// state fixed at construction, so it runs without holding mu.
func (e *Engine) computeFragments(ctx context.Context) ([]schema.Fragment, [][]float32, error) {
	fragments, err := e.pipeline.Run(ctx, e.records)
	if err != nil {
		return nil, nil, err
	}
	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Content
	}
	vectors, err := e.batcher.EmbedAll(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding fragments: %w", err)
	}
	return fragments, vectors, nil
}

// cached returns the fragments of the last build, computing and caching them
// when the engine was loaded from disk.
func (e *Engine) cached(ctx context.Context) ([]schema.Fragment, [][]float32, error) {
	e.mu.RLock()
	fragments, vectors, ok := e.fragments, e.vectors, e.materialized
	e.mu.RUnlock()
	if ok {
		return fragments, vectors, nil
	}

	fragments, vectors, err := e.computeFragments(ctx)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	e.fragments, e.vectors, e.materialized = fragments, vectors, true
	e.mu.Unlock()
	return fragments, vectors, nil
}

// buildManaged builds during construction, before the engine is shared.
func (e *Engine) buildManaged(ctx context.Context) (store.Index, error) {
	idx, fragments, vectors, err := e.buildFresh(ctx)
	if err != nil {
		return nil, err
	}
	e.fragments, e.vectors, e.materialized = fragments, vectors, true
	return idx, nil
}

// install makes idx the active index. The retriever always uses the engine's own
// query embedder, so the query and index embedding spaces cannot diverge.
func (e *Engine) install(idx store.Index, kind store.Kind, source store.Source) {
	e.index = idx
	e.kind = kind
	e.source = source
	e.retriever = retriever.NewVectorRetriever(e.queryEmbedder, idx, retriever.WithLogger(e.logger))
}

// Answer retrieves the top fragments for query and composes an answer from them.
// Errors wrap ErrRetrieval or ErrGeneration.
func (e *Engine) Answer(ctx context.Context, query string) (*Answer, error) {
	ctx, span := e.tracer.Start(ctx, "rag.Answer", trace.WithAttributes(
		attribute.Int("rag.top_k", e.cfg.TopK)))
	defer span.End()

	if phase := e.Phase(); phase != PhaseServing {
		err := fmt.Errorf("%w: phase %s", ErrNotServing, phase)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.mu.RLock()
	r := e.retriever
	e.mu.RUnlock()

	hits, err := e.retrieve(ctx, r, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	comp, err := e.generate(ctx, query, hits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sources := make([]schema.Source, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, schema.NewSource(h))
	}

	span.SetAttributes(
		attribute.Int("rag.sources", len(sources)),
		attribute.Bool("rag.include_sources", comp.IncludeSources),
		attribute.String("rag.decided_by", comp.DecidedBy))

	return &Answer{
		Answer:         comp.Answer,
		Sources:        sources,
		IncludeSources: comp.IncludeSources,
	}, nil
}

func (e *Engine) retrieve(ctx context.Context, r retriever.Retriever, query string) ([]schema.ScoredFragment, error) {
	ctx, span := e.tracer.Start(ctx, "rag.Retrieve")
	defer span.End()

	hits, err := r.Retrieve(ctx, query, e.cfg.TopK)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	span.SetAttributes(attribute.Int("rag.hits", len(hits)))
	return hits, nil
}

func (e *Engine) generate(ctx context.Context, query string, hits []schema.ScoredFragment) (synthesizer.Composition, error) {
	ctx, span := e.tracer.Start(ctx, "rag.Generate")
	defer span.End()

	comp, err := e.composer.Compose(ctx, query, hits)
	if err != nil {
		span.RecordError(err)
		return comp, err
	}
	span.SetAttributes(attribute.Bool("rag.directive_found", comp.DirectiveFound))
	return comp, nil
}

// ExportNativeIndex writes the native artifact pair to path, or to the configured
// native path when path is empty. Chunks and embeddings are computed if the engine
// was loaded from disk. Existing artifacts at path are overwritten.
func (e *Engine) ExportNativeIndex(ctx context.Context, path string) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if path == "" {
		path = e.cfg.NativePath
	}

	ctx, span := e.tracer.Start(ctx, "rag.ExportNativeIndex", trace.WithAttributes(
		attribute.String("rag.path", path)))
	defer span.End()

	fragments, vectors, err := e.cached(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("exporting native index: %w", err)
	}
	if _, err := e.native.Build(ctx, path, fragments, vectors); err != nil {
		span.RecordError(err)
		return fmt.Errorf("exporting native index: %w", err)
	}

	e.logger.Info("native index exported", "path", path, "fragments", len(fragments))
	return nil
}

// Rebuild re-chunks and re-embeds the records and replaces the managed index.
// Answer returns ErrNotServing while it runs. On failure the previous phase is
// restored and the previous index keeps serving.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "rag.Rebuild")
	defer span.End()

	prev := e.Phase()
	e.setPhase(PhaseRebuilding)

	idx, fragments, vectors, err := e.buildFresh(ctx)
	if err != nil {
		e.setPhase(prev)
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	e.mu.Lock()
	e.fragments, e.vectors, e.materialized = fragments, vectors, true
	e.install(idx, e.managed.Kind(), store.SourceBuildManaged)
	e.mu.Unlock()

	e.setPhase(PhaseServing)
	e.logger.Info("index rebuilt", "fragments", idx.Len())
	return nil
}

func (e *Engine) buildFresh(ctx context.Context) (store.Index, []schema.Fragment, [][]float32, error) {
	fragments, vectors, err := e.computeFragments(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	idx, err := e.managed.Build(ctx, e.cfg.PersistPath, fragments, vectors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building managed index: %w", err)
	}
	return idx, fragments, vectors, nil
}

// Phase returns the current lifecycle state. It never blocks.
func (e *Engine) Phase() Phase {
	p, _ := e.phase.Load().(Phase)
	return p
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(p)
}

// Stats describes the active index.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	path := e.cfg.PersistPath
	if e.kind == store.KindNative {
		path = e.cfg.NativePath
	}
	mod, _ := store.ModTime(path)

	var model string
	if m, ok := e.embedder.(embedding.EmbeddingModelWithInfo); ok {
		model = m.Info().ModelName
	}

	return Stats{
		Phase:        e.Phase(),
		Backend:      e.kind,
		Source:       e.source,
		Fragments:    e.index.Len(),
		Dim:          e.index.Dim(),
		TextField:    e.textField,
		EmbedModel:   model,
		IndexPath:    path,
		IndexModTime: mod,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// GetPrompts returns the composer's prompts.
func (e *Engine) GetPrompts() prompts.PromptDictType {
	return e.composer.GetPrompts()
}

// UpdatePrompts replaces the composer's prompts by name.
func (e *Engine) UpdatePrompts(p prompts.PromptDictType) {
	e.composer.UpdatePrompts(p)
}

var _ prompts.PromptMixin = (*Engine)(nil)
