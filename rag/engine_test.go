package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aqua777/go-reviewrag/dataset"
	"github.com/aqua777/go-reviewrag/embedding"
	"github.com/aqua777/go-reviewrag/llm"
	"github.com/aqua777/go-reviewrag/prompts"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/rag/store/flat"
	"github.com/aqua777/go-reviewrag/rag/synthesizer"
)

func reviews() *dataset.Dataset {
	return dataset.FromRows(
		[]string{"Clothing ID", "Age", "Title", "Review Text"},
		[][]string{
			{"1078", "34", "Too small", "The dress runs small in the waist and the zipper is stiff."},
			{"862", "51", "Soft", "Beautiful colour and very soft fabric, I wear it every week."},
			{"1049", "28", "", "Pants run long but the fabric is thick and warm."},
			{"767", "45", "Returned", "The zipper broke after one wash so I returned it."},
		})
}

type fixture struct {
	cfg   Config
	embed *embedding.MockEmbeddingModel
	llm   *llm.MockLLM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		cfg: Config{
			PersistPath: filepath.Join(dir, "index"),
			TopK:        2,
		},
		embed: &embedding.MockEmbeddingModel{Dimensions: 64},
		llm:   llm.NewMockLLM("Several reviewers say it runs small.\nINCLUDE_SOURCES: YES"),
	}
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := f.build(opts...)
	require.NoError(t, err)
	return e
}

func (f *fixture) build(opts ...Option) (*Engine, error) {
	opts = append([]Option{WithEmbedder(f.embed), WithLLM(f.llm)}, opts...)
	return New(context.Background(), reviews(), f.cfg, opts...)
}

func TestNewBuildsManagedIndex(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	assert.Equal(t, PhaseServing, e.Phase())
	stats := e.Stats()
	assert.Equal(t, store.SourceBuildManaged, stats.Source)
	assert.Equal(t, store.KindManaged, stats.Backend)
	assert.Equal(t, 4, stats.Fragments)
	assert.Equal(t, 64, stats.Dim)
	assert.Equal(t, "Review Text", stats.TextField)
	assert.Equal(t, "mock", stats.EmbedModel)
	assert.False(t, stats.IndexModTime.IsZero())

	cfg := e.Config()
	assert.Equal(t, f.cfg.PersistPath+NativeSuffix, cfg.NativePath)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultChunkSize/10, cfg.ChunkOverlap)
}

func TestAnswer(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	out, err := e.Answer(context.Background(), "does the dress run small in the waist?")
	require.NoError(t, err)

	assert.Equal(t, "Several reviewers say it runs small.", out.Answer)
	assert.True(t, out.IncludeSources)
	require.Len(t, out.Sources, 2)
	assert.Equal(t, "The dress runs small in the waist and the zipper is stiff.", out.Sources[0].TextSnippet)
	assert.Equal(t, int64(1078), out.Sources[0].Metadata["Clothing ID"])
	assert.EqualValues(t, 0, out.Sources[0].Metadata["chunk_index"])

	require.Equal(t, 1, f.llm.Calls())
	prompt := f.llm.Prompts()[0]
	assert.Contains(t, prompt, "Question: does the dress run small in the waist?")
	assert.Contains(t, prompt, "[Meta: ")
	assert.Contains(t, prompt, "\n\n---\n\n")
}

func TestAnswerTopKLargerThanCorpus(t *testing.T) {
	f := newFixture(t)
	f.cfg.TopK = 50
	e := f.engine(t)

	out, err := e.Answer(context.Background(), "zipper")
	require.NoError(t, err)
	assert.Len(t, out.Sources, 4)
}

func TestReloadsManagedIndexWithoutReembedding(t *testing.T) {
	f := newFixture(t)
	f.engine(t)

	f.embed = &embedding.MockEmbeddingModel{Dimensions: 64}
	e := f.engine(t)
	assert.Equal(t, store.SourceLoadManaged, e.Stats().Source)
	assert.Equal(t, 4, e.Stats().Fragments)
	assert.Equal(t, []string{probeText}, f.embed.Texts())

	out, err := e.Answer(context.Background(), "zipper broke")
	require.NoError(t, err)
	assert.Equal(t, "The zipper broke after one wash so I returned it.", out.Sources[0].TextSnippet)
	assert.Equal(t, "Returned", out.Sources[0].Metadata["Title"])
}

func TestManagedIndexFromOtherModelIsRebuilt(t *testing.T) {
	f := newFixture(t)
	f.engine(t)

	f.embed = &embedding.MockEmbeddingModel{Dimensions: 16}
	e := f.engine(t)
	assert.Equal(t, store.SourceBuildManaged, e.Stats().Source)
	assert.Equal(t, 16, e.Stats().Dim)
}

func TestForceRebuildIgnoresPersistedIndexes(t *testing.T) {
	f := newFixture(t)
	first := f.engine(t)
	require.NoError(t, first.ExportNativeIndex(context.Background(), ""))

	f.cfg.ForceRebuild = true
	e := f.engine(t)
	assert.Equal(t, store.SourceBuildManaged, e.Stats().Source)
}

func TestExportAndLoadNativeIndex(t *testing.T) {
	f := newFixture(t)
	f.cfg.TopK = 4
	managed := f.engine(t)
	require.NoError(t, managed.ExportNativeIndex(context.Background(), ""))

	native := f.engine(t)
	stats := native.Stats()
	assert.Equal(t, store.SourceLoadNative, stats.Source)
	assert.Equal(t, store.KindNative, stats.Backend)
	assert.Equal(t, managed.Config().NativePath, stats.IndexPath)
	assert.Equal(t, 4, stats.Fragments)

	query := "soft fabric colour"
	a, err := managed.Answer(context.Background(), query)
	require.NoError(t, err)
	b, err := native.Answer(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, a.Sources[0].TextSnippet, b.Sources[0].TextSnippet)
	assert.ElementsMatch(t, snippets(a), snippets(b))
}

func TestExportAfterLoadComputesEmbeddings(t *testing.T) {
	f := newFixture(t)
	f.engine(t)

	f.embed = &embedding.MockEmbeddingModel{Dimensions: 64}
	e := f.engine(t)
	require.Equal(t, store.SourceLoadManaged, e.Stats().Source)

	path := filepath.Join(t.TempDir(), "exported")
	require.NoError(t, e.ExportNativeIndex(context.Background(), path))
	assert.Len(t, f.embed.Texts(), 1+4)

	// Re-running overwrites and reuses the computed embeddings.
	require.NoError(t, e.ExportNativeIndex(context.Background(), path))
	assert.Len(t, f.embed.Texts(), 1+4)

	idx, err := flat.New().Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())
}

func TestNativeIndexMismatchIsFatal(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	require.NoError(t, e.ExportNativeIndex(context.Background(), ""))

	meta := filepath.Join(e.Config().NativePath, flat.MetadataFile)
	require.NoError(t, os.WriteFile(meta, []byte("[]"), 0o644))

	_, err := f.build()
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, flat.ErrArtifactMismatch)
}

func TestNativeIndexFromOtherModelIsFatal(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	require.NoError(t, e.ExportNativeIndex(context.Background(), ""))

	f.embed = &embedding.MockEmbeddingModel{Dimensions: 16}
	_, err := f.build()
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestConstructionFailures(t *testing.T) {
	f := newFixture(t)

	f.embed = &embedding.MockEmbeddingModel{Err: errors.New("connection refused")}
	_, err := f.build()
	assert.ErrorIs(t, err, ErrConstruction)
	assert.Contains(t, err.Error(), "connection refused")

	f.embed = &embedding.MockEmbeddingModel{}
	_, err = New(context.Background(), reviews(), f.cfg, WithLLM(f.llm))
	assert.ErrorIs(t, err, ErrConstruction)

	_, err = New(context.Background(), reviews(), f.cfg, WithEmbedder(f.embed))
	assert.ErrorIs(t, err, ErrConstruction)

	short := dataset.FromRows([]string{"id", "label"}, [][]string{{"1", "a"}})
	_, err = New(context.Background(), short, f.cfg, WithEmbedder(f.embed), WithLLM(f.llm))
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, dataset.ErrNoTextField)

	f.cfg.TopK = -1
	_, err = f.build()
	assert.ErrorIs(t, err, ErrConstruction)
}

func TestEmbeddingFailureDuringBuildIsFatal(t *testing.T) {
	f := newFixture(t)
	f.embed = &embedding.MockEmbeddingModel{
		Dimensions: 8,
		EmbedFunc: func(text string) ([]float32, error) {
			if text == probeText {
				return embedding.HashEmbedding(text, 8), nil
			}
			return nil, errors.New("quota exceeded")
		},
	}
	_, err := f.build()
	assert.ErrorIs(t, err, ErrConstruction)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	f.cfg.TextField = "Review Text"
	f.llm = llm.NewMockLLM("I don't have enough information to answer.\nINCLUDE_SOURCES: NO")

	blank := dataset.FromRows(
		[]string{"Clothing ID", "Review Text"},
		[][]string{{"1", ""}, {"2", "   "}, {"3", "nan"}})
	e, err := New(context.Background(), blank, f.cfg, WithEmbedder(f.embed), WithLLM(f.llm))
	require.NoError(t, err)
	assert.Equal(t, 0, e.Stats().Fragments)

	out, err := e.Answer(context.Background(), "what do people think about the fit?")
	require.NoError(t, err)
	assert.NotNil(t, out.Sources)
	assert.Empty(t, out.Sources)
	assert.False(t, out.IncludeSources)
	assert.Contains(t, out.Answer, "enough information")
	assert.Contains(t, f.llm.Prompts()[0], prompts.NoContextText)
	assert.Equal(t, []string{probeText}, f.embed.Texts())
}

func TestAnswerErrorsIdentifyPhase(t *testing.T) {
	f := newFixture(t)
	f.llm = llm.NewMockLLMWithError(errors.New("model overloaded"))
	e := f.engine(t)

	_, err := e.Answer(context.Background(), "zipper")
	assert.ErrorIs(t, err, ErrGeneration)
	assert.NotErrorIs(t, err, ErrRetrieval)

	f = newFixture(t)
	fail := false
	f.embed = &embedding.MockEmbeddingModel{
		EmbedFunc: func(text string) ([]float32, error) {
			if fail {
				return nil, errors.New("timeout")
			}
			return embedding.HashEmbedding(text, 32), nil
		},
	}
	e = f.engine(t)
	fail = true

	_, err = e.Answer(context.Background(), "zipper")
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.NotErrorIs(t, err, ErrGeneration)
}

func TestClassifierModeFallsBackToKeywords(t *testing.T) {
	f := newFixture(t)
	f.cfg.DecisionMode = synthesizer.DecisionModeClassifier
	f.llm = &llm.MockLLM{ResponseFunc: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Reply strictly with YES or NO") {
			return "", errors.New("classifier unavailable")
		}
		return "Reviewers mention sizing problems.", nil
	}}
	e := f.engine(t)

	out, err := e.Answer(context.Background(), "can you list the clothing IDs for the worst reviews")
	require.NoError(t, err)
	assert.True(t, out.IncludeSources)
	assert.Equal(t, "Reviewers mention sizing problems.", out.Answer)
	assert.Equal(t, 2, f.llm.Calls())
}

func TestRebuild(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	before := len(f.embed.Texts())

	require.NoError(t, e.Rebuild(context.Background()))
	assert.Equal(t, PhaseServing, e.Phase())
	assert.Equal(t, store.SourceBuildManaged, e.Stats().Source)
	assert.Equal(t, before+4, len(f.embed.Texts()))

	out, err := e.Answer(context.Background(), "warm pants")
	require.NoError(t, err)
	assert.Len(t, out.Sources, 2)
}

// gatedEmbedder blocks fragment embedding while stalled, until release is closed.
// It has no batch method, so every fragment goes through GetTextEmbedding.
type gatedEmbedder struct {
	inner   *embedding.MockEmbeddingModel
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		inner:   &embedding.MockEmbeddingModel{Dimensions: 64},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedEmbedder) GetTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	if g.stalled.Load() {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.inner.GetTextEmbedding(ctx, text)
}

func (g *gatedEmbedder) GetQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	return g.inner.GetQueryEmbedding(ctx, query)
}

func TestRebuildDoesNotBlockReaders(t *testing.T) {
	f := newFixture(t)
	gate := newGatedEmbedder()
	e := f.engine(t, WithEmbedder(gate))

	gate.stalled.Store(true)
	done := make(chan error, 1)
	go func() { done <- e.Rebuild(context.Background()) }()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild never reached the embedder")
	}

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		assert.Equal(t, PhaseRebuilding, e.Phase())
		stats := e.Stats()
		assert.Equal(t, PhaseRebuilding, stats.Phase)
		assert.Equal(t, 4, stats.Fragments)
		_, err := e.Answer(context.Background(), "zipper")
		assert.ErrorIs(t, err, ErrNotServing)
	}()
	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("readers blocked while rebuild was embedding")
	}

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseServing, e.Phase())

	out, err := e.Answer(context.Background(), "zipper")
	require.NoError(t, err)
	assert.Len(t, out.Sources, 2)
}

func TestFailedRebuildRestoresPhase(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	f.embed.Err = errors.New("provider down")
	err := e.Rebuild(context.Background())
	require.ErrorIs(t, err, ErrConstruction)
	assert.Equal(t, PhaseServing, e.Phase())

	f.embed.Err = nil
	_, err = e.Answer(context.Background(), "zipper")
	assert.NoError(t, err)
}

// smallWindowLLM reports a context window too small for the whole corpus.
type smallWindowLLM struct {
	*llm.MockLLM
}

func (smallWindowLLM) Metadata() llm.LLMMetadata {
	return llm.LLMMetadata{ModelName: "small", ContextWindow: 16}
}

func TestAnswerFitsLLMContextWindow(t *testing.T) {
	f := newFixture(t)
	f.cfg.TopK = 4
	e := f.engine(t, WithLLM(smallWindowLLM{f.llm}))

	out, err := e.Answer(context.Background(), "zipper")
	require.NoError(t, err)
	assert.Len(t, out.Sources, 4)

	blocks := strings.Count(f.llm.Prompts()[0], "[Meta: ")
	assert.GreaterOrEqual(t, blocks, 1)
	assert.Less(t, blocks, 4)
}

func TestUpdatePrompts(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	e.UpdatePrompts(prompts.PromptDictType{
		synthesizer.PromptAnswer: prompts.NewPromptTemplate("Q: {query_str}\n{context_str}", prompts.PromptTypeCustom),
	})
	_, err := e.Answer(context.Background(), "zipper")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.llm.Prompts()[0], "Q: zipper\n"))
	assert.Len(t, e.GetPrompts(), 3)
}

func TestConcurrentAnswers(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Answer(context.Background(), "soft fabric")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, f.llm.Calls())
}

func TestAnswerIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	f := newFixture(t)
	e := f.engine(t, WithTracerProvider(tp))
	_, err := e.Answer(context.Background(), "zipper")
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Subset(t, names, []string{"rag.New", "rag.Answer", "rag.Retrieve", "rag.Generate"})
}

func snippets(a *Answer) []string {
	out := make([]string, len(a.Sources))
	for i, s := range a.Sources {
		out[i] = s.TextSnippet
	}
	return out
}
