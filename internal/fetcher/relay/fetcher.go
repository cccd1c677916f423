// Package relayfetcher implements crawler.Fetcher by delegating page loads to
// a remote relay agent over a shared websocket session.
package relayfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/metrics"
	"github.com/JakeFAU/relay-scraper/internal/relay"
)

// DefaultTimeout is how long a fetch waits for the agent's reply.
const DefaultTimeout = 60 * time.Second

const (
	presignPrefix       = "relay-fetcher"
	presignIDAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	defaultCookieLinger = 5 * time.Second
	connectTimeout      = 30 * time.Second
	previewLength       = 140
)

var (
	errNoPresigner  = errors.New("presigning requested but no presigner configured")
	errHostRequired = errors.New("relay host is required")
)

// Transport is the session the fetcher multiplexes requests over.
// *relay.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, relayID string) error
	IsConnected() bool
	Send(ctx context.Context, cmd relay.Command, onReply relay.ReplyFunc) error
	Close() error
}

// Config controls a Fetcher.
type Config struct {
	Host    string
	RelayID string
	// ShouldPresignURL asks the agent to upload each page to object storage
	// under relay-fetcher/<PresignID>/<url>.
	ShouldPresignURL bool
	// PresignID namespaces uploads; defaults to rf_ plus 10 random characters.
	PresignID string
	// ShouldClearCookies clears the page's registrable domain cookies on the
	// agent after every reply.
	ShouldClearCookies bool
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
	// CookieLinger keeps the session open this long for a clearCookies reply.
	CookieLinger time.Duration
}

// Fetcher sends fetch commands to a relay agent. The session is opened on
// first use and closed once no request is outstanding.
type Fetcher struct {
	cfg       Config
	transport Transport
	presigner crawler.Presigner
	logger    *zap.Logger
	connects  singleflight.Group

	mu       sync.Mutex
	inFlight int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the websocket client.
func WithTransport(t Transport) Option {
	return func(f *Fetcher) { f.transport = t }
}

// WithPresigner sets the presigner used when ShouldPresignURL is set.
func WithPresigner(p crawler.Presigner) Option {
	return func(f *Fetcher) { f.presigner = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	if f.cfg.Timeout <= 0 {
		f.cfg.Timeout = DefaultTimeout
	}
	if f.cfg.CookieLinger <= 0 {
		f.cfg.CookieLinger = defaultCookieLinger
	}
	if f.cfg.PresignID == "" {
		f.cfg.PresignID = newPresignID()
	}
	if f.cfg.ShouldPresignURL && f.presigner == nil {
		return nil, errNoPresigner
	}
	if f.transport == nil {
		if f.cfg.Host == "" {
			return nil, errHostRequired
		}
		f.transport = relay.NewClient(f.cfg.Host, relay.WithLogger(f.logger))
	}
	metrics.Init()
	return f, nil
}

// PresignID returns the upload namespace of this fetcher.
func (f *Fetcher) PresignID() string {
	return f.cfg.PresignID
}

// InFlight returns the number of outstanding requests.
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Fetch asks the agent for url. It returns (nil, nil) when the agent does not
// answer within the timeout or answers without content. A session that drops
// before the reply fails the request with relay.ErrConnectionLost.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts crawler.FetchOptions) (*document.Document, error) {
	f.acquire()
	defer f.release()

	if err := f.ensureConnected(ctx); err != nil {
		return nil, err
	}

	cmd := relay.Command{
		Command:     relay.CommandFetch,
		URL:         url,
		Active:      opts.Active,
		WaitForText: opts.WaitForText,
	}
	if f.cfg.ShouldPresignURL {
		key := fmt.Sprintf("%s/%s/%s", presignPrefix, f.cfg.PresignID, url)
		presigned, err := f.presigner.PresignPut(ctx, key, "text/html")
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		cmd.PresignedURL = presigned
	}

	f.logger.Debug("relay fetch sending", zap.String("url", url), zap.Int("inflight", f.InFlight()))
	start := time.Now()
	replies := make(chan relay.Reply, 1)
	if err := f.transport.Send(ctx, cmd, func(r relay.Reply) { replies <- r }); err != nil {
		metrics.ObserveRelayRequest(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("send fetch for %s: %w", url, err)
	}

	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()

	var reply relay.Reply
	select {
	case reply = <-replies:
	case <-timer.C:
		metrics.ObserveRelayRequest(metrics.OutcomeTimeout, time.Since(start))
		f.logger.Error("timeout waiting for relay reply",
			zap.String("url", url),
			zap.Duration("timeout", f.cfg.Timeout),
		)
		return nil, nil
	case <-ctx.Done():
		metrics.ObserveRelayRequest(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("relay fetch canceled: %w", ctx.Err())
	}

	if reply.Err != nil {
		metrics.ObserveRelayRequest(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("relay fetch %s: %w", url, reply.Err)
	}
	if f.cfg.ShouldClearCookies {
		f.clearCookies(ctx, url)
	}

	if reply.Error != "" {
		metrics.ObserveRelayRequest(metrics.OutcomeError, time.Since(start))
		f.logger.Warn("relay agent could not fetch page", zap.String("url", url), zap.String("error", reply.Error))
		return nil, nil
	}
	metrics.ObserveRelayRequest(metrics.OutcomeReplied, time.Since(start))
	if reply.Empty() {
		f.logger.Warn("relay reply carried no payload", zap.String("url", url))
		return nil, nil
	}

	doc, err := document.Load(reply.Reply)
	if errors.Is(err, document.ErrEmpty) {
		f.logger.Warn("relay reply carried no page content", zap.String("url", url))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load relay reply for %s: %w", url, err)
	}
	if doc.URL == "" {
		doc.URL = url
	}
	f.logger.Info("relay fetcher response",
		zap.String("url", url),
		zap.String("preview", doc.Preview(previewLength)),
	)
	return doc, nil
}

// clearCookies fires a clearCookies command for url's registrable domain.
// It holds a session reference until the reply arrives or CookieLinger
// passes. The send itself happens off the caller's goroutine.
func (f *Fetcher) clearCookies(ctx context.Context, url string) {
	domain, err := crawler.RegistrableDomain(url)
	if err != nil {
		f.logger.Warn("cannot derive cookie domain", zap.String("url", url), zap.Error(err))
		return
	}
	f.acquire()
	go func() {
		defer f.release()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.CookieLinger)
		defer cancel()

		done := make(chan struct{})
		var closeOnce sync.Once
		finish := func() { closeOnce.Do(func() { close(done) }) }

		f.logger.Debug("clearing cookies", zap.String("domain", domain))
		cmd := relay.Command{Command: relay.CommandClearCookies, Domain: domain}
		err := f.transport.Send(lctx, cmd, func(r relay.Reply) {
			f.logger.Debug("cookies cleared",
				zap.String("domain", domain),
				zap.ByteString("reply", r.Reply),
				zap.String("error", r.Error),
				zap.Error(r.Err),
			)
			finish()
		})
		if err != nil {
			f.logger.Warn("clear cookies send failed", zap.String("domain", domain), zap.Error(err))
			return
		}
		select {
		case <-done:
		case <-lctx.Done():
		}
	}()
}

func (f *Fetcher) acquire() {
	f.mu.Lock()
	f.inFlight++
	metrics.SetRelayInflight(f.inFlight)
	f.mu.Unlock()
}

// release drops one reference and closes the session when none remain. The
// close happens under the same lock acquire takes, so no request can start
// on a session that is being torn down.
func (f *Fetcher) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	metrics.SetRelayInflight(f.inFlight)
	f.logger.Debug("relay request finished", zap.Int("inflight", f.inFlight))
	if f.inFlight > 0 {
		return
	}
	if !f.transport.IsConnected() {
		return
	}
	f.logger.Info("closing relay session", zap.String("relay_id", f.cfg.RelayID))
	if err := f.transport.Close(); err != nil {
		f.logger.Warn("close relay session", zap.Error(err))
	}
}

// closeIfIdle closes a session whose callers all gave up while it was
// connecting.
func (f *Fetcher) closeIfIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		return
	}
	f.logger.Info("closing relay session with no requests", zap.String("relay_id", f.cfg.RelayID))
	if err := f.transport.Close(); err != nil {
		f.logger.Warn("close relay session", zap.Error(err))
	}
}

// ensureConnected connects when needed. Concurrent callers share one connect.
func (f *Fetcher) ensureConnected(ctx context.Context) error {
	if f.transport.IsConnected() {
		return nil
	}
	ch := f.connects.DoChan("connect", func() (any, error) {
		if f.transport.IsConnected() {
			return nil, nil
		}
		f.logger.Info("connecting to relay",
			zap.String("relay_id", f.cfg.RelayID),
			zap.String("host", f.cfg.Host),
		)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		err := f.transport.Connect(cctx, f.cfg.RelayID)
		metrics.ObserveRelayConnect(err)
		if err == nil {
			f.closeIfIdle()
		}
		return nil, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("connect relay %s: %w", f.cfg.RelayID, res.Err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect relay canceled: %w", ctx.Err())
	}
}

func newPresignID() string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = presignIDAlphabet[rand.IntN(len(presignIDAlphabet))]
	}
	return "rf_" + string(b)
}
