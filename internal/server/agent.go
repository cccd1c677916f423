package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/config"
	"github.com/JakeFAU/relay-scraper/internal/metrics"
	"github.com/JakeFAU/relay-scraper/internal/relay/agent"
)

// AgentApp runs a relay agent backed by a local browser.
type AgentApp struct {
	cfg      config.AgentConfig
	logger   *zap.Logger
	renderer *agent.ChromedpRenderer
	agent    *agent.Agent
}

// BuildAgent starts the browser and wires the relay endpoint.
func BuildAgent(cfg config.AgentConfig, logger *zap.Logger) (*AgentApp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer, err := agent.NewChromedpRenderer(agent.ChromedpConfig{
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: time.Duration(cfg.NavTimeoutSeconds) * time.Second,
		Headless:          cfg.Headless,
		UserDataDir:       cfg.UserDataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("renderer init failed: %w", err)
	}
	logger.Info("browser started",
		zap.Bool("headless", cfg.Headless),
		zap.String("user_data_dir", cfg.UserDataDir),
	)
	return &AgentApp{
		cfg:      cfg,
		logger:   logger,
		renderer: renderer,
		agent: agent.New(renderer, agent.Config{
			MaxParallel:    cfg.MaxParallel,
			CommandTimeout: time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		}, logger.Named("agent")),
	}, nil
}

// Handler serves the relay endpoint, probes and metrics.
func (a *AgentApp) Handler() http.Handler {
	return agentRouter(a.agent)
}

func agentRouter(ag *agent.Agent) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	ag.Mount(r)
	return r
}

// Run serves until ctx is canceled or a signal arrives, then closes the browser.
func (a *AgentApp) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.renderer.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("relay agent listening", zap.Int("port", a.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("agent shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket sessions are not closed by Shutdown; closing the
	// browser fails their pending renders.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("agent shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("agent server: %w", err)
	}
	return nil
}
