package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/metrics"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

const (
	maxWorkflowBytes  = 1 << 20
	defaultRunTimeout = 10 * time.Minute
)

// Deps are the collaborators the server builds pipelines from.
type Deps struct {
	Registry *pipeline.Registry
	// NewContext returns a fresh pipeline context per run; exporters and
	// fetchers inside it may be shared.
	NewContext func() *pipeline.Context
	// Defaults are applied before a workflow's own options.
	Defaults pipeline.Options
	// Ready reports whether downstream dependencies are usable.
	Ready func(ctx context.Context) error
}

// Options tune the server.
type Options struct {
	APIKey     string
	RunTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline engine.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(30 * time.Second))
			r.Get("/steps", s.listSteps)
			r.Post("/workflows/validate", s.validateWorkflow)
		})
		// Runs stream their output and manage their own deadline.
		r.Post("/runs", s.run)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSteps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"steps": s.deps.Registry.Names()})
}

func (s *Server) validateWorkflow(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadPipeline(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Dump())
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadPipeline(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RunTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	logger := s.logger.With(zap.String("request_id", requestID(r.Context())))
	var n int
	for item, err := range p.Stream(ctx) {
		if err != nil {
			logger.Warn("run failed", zap.Int("items", n), zap.Error(err))
			if encErr := enc.Encode(map[string]string{"error": err.Error()}); encErr != nil {
				logger.Debug("write error line failed", zap.Error(encErr))
			}
			break
		}
		if err := enc.Encode(item); err != nil {
			// Client went away; leaving the loop cancels the run.
			logger.Info("client disconnected", zap.Int("items", n), zap.Error(err))
			return
		}
		n++
		if flusher != nil {
			flusher.Flush()
		}
	}
	logger.Info("run streamed", zap.Int("items", n), zap.Any("usage", p.Context().Usage()))
}

func (s *Server) loadPipeline(r *http.Request) (*pipeline.Pipeline, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxWorkflowBytes {
		return nil, errors.New("workflow too large")
	}
	wf, err := pipeline.ParseWorkflow(body)
	if err != nil {
		return nil, err
	}
	pctx := &pipeline.Context{}
	if s.deps.NewContext != nil {
		pctx = s.deps.NewContext()
	}
	if pctx.Logger == nil {
		pctx.Logger = s.logger
	}
	pctx.Update(s.deps.Defaults)
	p := pipeline.New(s.deps.Registry, pctx)
	if err := p.Load(wf); err != nil {
		return nil, err
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
