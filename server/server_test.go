package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqua777/go-reviewrag/rag"
	"github.com/aqua777/go-reviewrag/rag/store"
	"github.com/aqua777/go-reviewrag/schema"
)

type fakeEngine struct {
	answer  *rag.Answer
	err     error
	phase   rag.Phase
	queries []string
}

func (f *fakeEngine) Answer(_ context.Context, query string) (*rag.Answer, error) {
	f.queries = append(f.queries, query)
	return f.answer, f.err
}

func (f *fakeEngine) Phase() rag.Phase { return f.phase }

func (f *fakeEngine) Stats() rag.Stats {
	return rag.Stats{Phase: f.phase, Backend: store.KindManaged, Fragments: 3}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestQuery(t *testing.T) {
	engine := &fakeEngine{
		phase: rag.PhaseServing,
		answer: &rag.Answer{
			Answer: "It runs small.",
			Sources: []schema.Source{
				{Metadata: map[string]any{"Clothing ID": int64(1078)}, TextSnippet: "Runs small."},
			},
			IncludeSources: true,
		},
	}
	s := New()
	s.SetEngine(engine)

	rec := post(t, s.Handler(), `{"query": "does it run small?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, []string{"does it run small?"}, engine.queries)

	out := decode(t, rec)
	assert.Equal(t, "It runs small.", out["answer"])
	assert.Equal(t, true, out["include_sources"])
	sources := out["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, "Runs small.", sources[0].(map[string]any)["text_snippet"])
}

func TestQueryEmptySourcesEncodeAsArray(t *testing.T) {
	s := New()
	s.SetEngine(&fakeEngine{phase: rag.PhaseServing, answer: &rag.Answer{Answer: "No data.", Sources: []schema.Source{}}})

	rec := post(t, s.Handler(), `{"query": "anything"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources":[]`)
}

func TestQueryBadRequests(t *testing.T) {
	s := New()
	engine := &fakeEngine{phase: rag.PhaseServing, answer: &rag.Answer{}}
	s.SetEngine(engine)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty query", `{"query": "   "}`, http.StatusBadRequest},
		{"missing query", `{}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"malformed", `{"query":`, http.StatusBadRequest},
		{"too large", fmt.Sprintf(`{"query": %q}`, strings.Repeat("a", MaxBodySize+1)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, s.Handler(), tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
	assert.Empty(t, engine.queries)
}

func TestQueryEngineErrors(t *testing.T) {
	tests := []struct {
		err   error
		code  int
		phase string
	}{
		{fmt.Errorf("%w: timeout", rag.ErrRetrieval), http.StatusInternalServerError, "retrieval"},
		{fmt.Errorf("%w: overloaded", rag.ErrGeneration), http.StatusInternalServerError, "generation"},
		{fmt.Errorf("%w: phase rebuilding", rag.ErrNotServing), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		s := New()
		s.SetEngine(&fakeEngine{phase: rag.PhaseServing, err: tt.err})

		rec := post(t, s.Handler(), `{"query": "q"}`)
		assert.Equal(t, tt.code, rec.Code)
		out := decode(t, rec)
		if tt.phase == "" {
			assert.NotContains(t, out, "phase")
		} else {
			assert.Equal(t, tt.phase, out["phase"])
		}
		assert.NotEmpty(t, out["request_id"])
	}
}

func TestQueryWithoutEngine(t *testing.T) {
	rec := post(t, New().Handler(), `{"query": "q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueryRateLimit(t *testing.T) {
	s := New(WithRateLimit(0.001, 1))
	s.SetEngine(&fakeEngine{phase: rag.PhaseServing, answer: &rag.Answer{Sources: []schema.Source{}}})

	assert.Equal(t, http.StatusOK, post(t, s.Handler(), `{"query": "q"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, s.Handler(), `{"query": "q"}`).Code)
}

func TestHealth(t *testing.T) {
	s := New()
	get := func() map[string]any {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		return decode(t, rec)
	}

	out := get()
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, false, out["ready"])
	assert.Equal(t, "uninitialized", out["phase"])

	s.SetEngine(&fakeEngine{phase: rag.PhaseServing})
	out = get()
	assert.Equal(t, true, out["ready"])
	assert.Equal(t, "serving", out["phase"])

	s.SetEngine(&fakeEngine{phase: rag.PhaseRebuilding})
	assert.Equal(t, false, get()["ready"])
}

func TestStats(t *testing.T) {
	s := New()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetEngine(&fakeEngine{phase: rag.PhaseServing})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "managed", out["backend"])
	assert.EqualValues(t, 3, out["fragments"])
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
