// Package agent serves the relay protocol: it accepts websocket sessions from
// scrapers, renders the requested pages and replies with their content.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/relay"
)

// RenderOptions mirror the fetch command flags.
type RenderOptions struct {
	Active      bool
	WaitForText string
}

// Renderer loads pages in a browser session whose cookies persist between
// renders until cleared.
type Renderer interface {
	Render(ctx context.Context, url string, opts RenderOptions) (*document.Document, error)
	ClearCookies(ctx context.Context, domain string) error
}

// Config controls an Agent.
type Config struct {
	// MaxParallel bounds concurrent commands per session. Zero means 4.
	MaxParallel int
	// CommandTimeout bounds a single command. Zero means 55s, which keeps
	// replies inside the scraper's 60s wait.
	CommandTimeout time.Duration
}

// Agent executes relay commands.
type Agent struct {
	cfg      Config
	renderer Renderer
	uploader *http.Client
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New builds an Agent around renderer.
func New(renderer Renderer, cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 55 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		renderer: renderer,
		uploader: &http.Client{Timeout: 30 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Mount registers the relay endpoint on r.
func (a *Agent) Mount(r chi.Router) {
	r.Get("/relay/{relay_id}", a.serveRelay)
}

// Handler returns a router serving only the relay endpoint.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	a.Mount(r)
	return r
}

func (a *Agent) serveRelay(w http.ResponseWriter, r *http.Request) {
	relayID := chi.URLParam(r, "relay_id")
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("relay upgrade failed", zap.String("relay_id", relayID), zap.Error(err))
		return
	}
	logger := a.logger.With(zap.String("relay_id", relayID))
	logger.Info("relay session opened", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	s := &agentSession{conn: conn, logger: logger}
	var wg sync.WaitGroup
	slots := make(chan struct{}, a.cfg.MaxParallel)

	defer func() {
		cancel()
		wg.Wait()
		_ = conn.Close()
		logger.Info("relay session closed")
	}()

	for {
		var cmd relay.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("relay read ended", zap.Error(err))
			}
			return
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			s.write(a.execute(ctx, cmd, logger))
		}()
	}
}

func (a *Agent) execute(ctx context.Context, cmd relay.Command, logger *zap.Logger) relay.Reply {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	reply := relay.Reply{ID: cmd.ID}
	var (
		payload any
		err     error
	)
	switch cmd.Command {
	case relay.CommandFetch:
		payload, err = a.fetch(ctx, cmd)
	case relay.CommandClearCookies:
		err = a.renderer.ClearCookies(ctx, cmd.Domain)
		payload = map[string]any{"ok": err == nil, "domain": cmd.Domain}
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}
	if err != nil {
		logger.Warn("relay command failed",
			zap.String("command", cmd.Command),
			zap.String("url", cmd.URL),
			zap.Error(err),
		)
		reply.Error = err.Error()
		if cmd.Command != relay.CommandClearCookies {
			return reply
		}
	}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		reply.Error = mErr.Error()
		return reply
	}
	reply.Reply = raw
	return reply
}

func (a *Agent) fetch(ctx context.Context, cmd relay.Command) (*document.Document, error) {
	if cmd.URL == "" {
		return nil, errors.New("fetch: url is required")
	}
	doc, err := a.renderer.Render(ctx, cmd.URL, RenderOptions{Active: cmd.Active, WaitForText: cmd.WaitForText})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", cmd.URL, err)
	}
	if cmd.PresignedURL != "" {
		if err := a.upload(ctx, cmd.PresignedURL, doc.HTML); err != nil {
			a.logger.Warn("artifact upload failed", zap.String("url", cmd.URL), zap.Error(err))
		}
	}
	return doc, nil
}

func (a *Agent) upload(ctx context.Context, target, html string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader([]byte(html)))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/html")
	resp, err := a.uploader.Do(req)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload artifact: unexpected status %s", strings.TrimSpace(resp.Status))
	}
	return nil
}

type agentSession struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *zap.Logger
}

func (s *agentSession) write(reply relay.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(reply); err != nil {
		s.logger.Debug("relay reply dropped", zap.String("id", reply.ID), zap.Error(err))
	}
}
