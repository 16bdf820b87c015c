// Package server exposes an engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aqua777/go-reviewrag/rag"
)

// MaxBodySize bounds request bodies.
const MaxBodySize = 1 << 20

// Engine is what the server needs from a rag.Engine.
type Engine interface {
	Answer(ctx context.Context, query string) (*rag.Answer, error)
	Phase() rag.Phase
	Stats() rag.Stats
}

var _ Engine = (*rag.Engine)(nil)

type queryRequest struct {
	Query string `json:"query"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Phase names the failing stage: retrieval, generation or unavailable.
	Phase     string `json:"phase,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Phase  string `json:"phase"`
}

// Server routes /query, /health and /stats to an engine attached at runtime.
type Server struct {
	engine  atomic.Pointer[engineHolder]
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

type engineHolder struct {
	Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit caps /query to rps requests per second with the given burst.
// rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithQueryTimeout bounds each Answer call. Zero means no timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// New creates a server with no engine; /health reports not ready until SetEngine.
func New(opts ...Option) *Server {
	s := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEngine attaches the engine. Safe to call while serving.
func (s *Server) SetEngine(e Engine) {
	if e == nil {
		s.engine.Store(nil)
		return
	}
	s.engine.Store(&engineHolder{e})
}

func (s *Server) current() Engine {
	if h := s.engine.Load(); h != nil {
		return h.Engine
	}
	return nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	log := s.logger.With("request_id", requestID)
	start := time.Now()

	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", RequestID: requestID})
		return
	}

	engine := s.current()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "engine not ready", Phase: "unavailable", RequestID: requestID})
		return
	}

	var req queryRequest
	body := http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		} else if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeJSON(w, status, errorResponse{Error: "invalid request: " + err.Error(), RequestID: requestID})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is empty", RequestID: requestID})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	answer, err := engine.Answer(ctx, req.Query)
	if err != nil {
		status, phase := classify(err)
		log.Error("query failed", "phase", phase, "error", err, "elapsed", time.Since(start))
		writeJSON(w, status, errorResponse{Error: err.Error(), Phase: phase, RequestID: requestID})
		return
	}

	log.Info("query answered",
		"sources", len(answer.Sources),
		"include_sources", answer.IncludeSources,
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, answer)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrNotServing):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, rag.ErrRetrieval):
		return http.StatusInternalServerError, "retrieval"
	case errors.Is(err, rag.ErrGeneration):
		return http.StatusInternalServerError, "generation"
	default:
		return http.StatusInternalServerError, ""
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Phase: string(rag.PhaseUninitialized)}
	if engine := s.current(); engine != nil {
		phase := engine.Phase()
		resp.Phase = string(phase)
		resp.Ready = phase == rag.PhaseServing
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	engine := s.current()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "engine not ready", Phase: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, engine.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
