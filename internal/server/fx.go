// Package server assembles the scraper and relay agent from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/api"
	"github.com/JakeFAU/relay-scraper/internal/clock/system"
	"github.com/JakeFAU/relay-scraper/internal/config"
	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/exporter"
	openaiextractor "github.com/JakeFAU/relay-scraper/internal/extractor/openai"
	collyfetcher "github.com/JakeFAU/relay-scraper/internal/fetcher/colly"
	relayfetcher "github.com/JakeFAU/relay-scraper/internal/fetcher/relay"
	"github.com/JakeFAU/relay-scraper/internal/hash/sha256"
	"github.com/JakeFAU/relay-scraper/internal/id/uuid"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
	"github.com/JakeFAU/relay-scraper/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/relay-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/relay-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/relay-scraper/internal/step"
	gcsstorage "github.com/JakeFAU/relay-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/relay-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/relay-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/relay-scraper/internal/storage/postgres"
)

// Exporter names a workflow's export step can target.
const (
	ExporterMemory   = "memory"
	ExporterBlob     = "blob"
	ExporterPubSub   = "pubsub"
	ExporterPostgres = "postgres"
)

// App contains the scraper's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry  *pipeline.Registry
	fetcher   crawler.Fetcher
	crawler   crawler.Crawler
	extractor crawler.Extractor
	exporters map[string]crawler.Exporter
	memory    *memorypublisher.Publisher
	apiServer *api.Server

	storage         *storage.Client
	localStore      *localstorage.BlobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	itemStore       *pgstore.ItemStore

	closing atomic.Bool
}

// Build creates the application's dependencies. A failure part way through
// releases whatever was already opened.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:       cfg,
		logger:    logger,
		registry:  step.DefaultRegistry(),
		exporters: make(map[string]crawler.Exporter),
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("fetcher", cfg.Fetcher.Kind),
		zap.String("storage", cfg.Storage.Backend),
	)

	blobStore, presigner, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupFetcher(app, presigner); err != nil {
		return nil, err
	}
	if rps := cfg.Fetcher.RateLimitRPS; rps > 0 {
		app.fetcher = ratelimit.Wrap(app.fetcher, ratelimit.New(ratelimit.Config{
			DefaultRPS:   rps,
			DefaultBurst: cfg.Fetcher.RateLimitBurst,
		}))
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", rps),
			zap.Int("default_burst", cfg.Fetcher.RateLimitBurst),
		)
	}
	app.crawler = crawler.NewLinkCrawler(app.fetcher, crawler.LinkCrawlerConfig{
		DenyDomains:  cfg.Crawler.DenyDomains,
		AllowDomains: cfg.Crawler.AllowDomains,
	}, logger.Named("crawler"))

	if err = setupExtractor(app); err != nil {
		return nil, err
	}
	if err = setupExporters(ctx, app, blobStore); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Registry:   app.registry,
		NewContext: app.NewContext,
		Defaults:   app.Defaults(),
		Ready:      app.ready,
	}, api.Options{
		APIKey: app.apiKey(),
	}, logger.Named("api"))

	return app, nil
}

// NewContext returns a fresh pipeline context sharing the app's collaborators.
func (a *App) NewContext() *pipeline.Context {
	return &pipeline.Context{
		Fetcher:   a.fetcher,
		Crawler:   a.crawler,
		Extractor: a.extractor,
		Exporters: a.exporters,
		Logger:    a.logger.Named("pipeline"),
	}
}

// NewPipeline loads wf on a fresh context with the configured defaults.
func (a *App) NewPipeline(wf pipeline.Workflow) (*pipeline.Pipeline, error) {
	pctx := a.NewContext()
	pctx.Update(a.Defaults())
	p := pipeline.New(a.registry, pctx)
	if err := p.Load(wf); err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return p, nil
}

// Defaults are the run options from the pipeline config section.
func (a *App) Defaults() pipeline.Options {
	return pipeline.Options{
		Limit:           pipeline.Number(a.cfg.Pipeline.Limit),
		Concurrency:     pipeline.Number(a.cfg.Pipeline.Concurrency),
		PublishAllSteps: a.cfg.Pipeline.PublishAllSteps,
	}
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

func (a *App) ready(context.Context) error {
	if a.closing.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Run serves the HTTP API and blocks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.closing.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close releases clients and pools. It is safe to call more than once.
func (a *App) Close() {
	a.closing.Store(true)
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.localStore != nil {
		if err := a.localStore.Close(); err != nil {
			a.logger.Warn("local store close failed", zap.Error(err))
		}
		a.localStore = nil
	}
	if a.itemStore != nil {
		a.itemStore.Close()
		a.itemStore = nil
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, crawler.Presigner, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:        cfg.GCSBucket,
			Prefix:        cfg.Prefix,
			PresignExpiry: app.cfg.PresignExpiry(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, store, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.localStore = store
		return store, nil, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil, nil
	}
}

func setupFetcher(app *App, presigner crawler.Presigner) error {
	cfg := app.cfg
	if cfg.Fetcher.Kind == config.FetcherHTTP {
		app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Fetcher.UserAgent))
		app.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetcher.UserAgent,
			RespectRobots: cfg.Fetcher.RespectRobots,
			Timeout:       cfg.FetchTimeout(),
		})
		return nil
	}

	opts := []relayfetcher.Option{relayfetcher.WithLogger(app.logger.Named("relay"))}
	if presigner != nil {
		opts = append(opts, relayfetcher.WithPresigner(presigner))
	}
	f, err := relayfetcher.New(relayfetcher.Config{
		Host:               cfg.Relay.Host,
		RelayID:            cfg.Relay.RelayID,
		ShouldPresignURL:   cfg.Relay.Presign,
		PresignID:          cfg.Relay.PresignID,
		ShouldClearCookies: cfg.Relay.ClearCookies,
		Timeout:            cfg.RelayTimeout(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("relay fetcher init failed: %w", err)
	}
	app.logger.Info("using relay fetcher",
		zap.String("host", cfg.Relay.Host),
		zap.String("relay_id", cfg.Relay.RelayID),
		zap.String("presign_id", f.PresignID()),
	)
	app.fetcher = f
	return nil
}

func setupExtractor(app *App) error {
	cfg := app.cfg.OpenAI
	if cfg.APIKey == "" {
		app.logger.Warn("No OpenAI API key configured, extract steps will fail")
		return nil
	}
	e, err := openaiextractor.New(openaiextractor.Config{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, openaiextractor.WithLogger(app.logger.Named("extractor")))
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}
	app.extractor = e
	return nil
}

func setupExporters(ctx context.Context, app *App, blobStore crawler.BlobStore) error {
	hasher := sha256.New()
	clock := system.New()

	app.memory = memorypublisher.New()
	app.exporters[ExporterMemory] = app.memory

	blob, err := exporter.NewBlob(blobStore, hasher, clock, exporter.BlobConfig{
		Prefix: app.cfg.Storage.Prefix,
	}, app.logger.Named("blob_exporter"))
	if err != nil {
		return fmt.Errorf("blob exporter init failed: %w", err)
	}
	app.exporters[ExporterBlob] = blob

	if err := setupPublisher(ctx, app); err != nil {
		return err
	}
	return setupDatabase(ctx, app, pgstore.Deps{
		IDs:    uuid.NewUUIDGenerator(),
		Hasher: hasher,
		Clock:  clock,
	})
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, pubsub exporter disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = gcppublisher.New(client.Topic(cfg.TopicName), app.logger.Named("pubsub"))
	app.exporters[ExporterPubSub] = app.pubsubPublisher
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return nil
}

func setupDatabase(ctx context.Context, app *App, deps pgstore.Deps) error {
	cfg := app.cfg.DB
	if cfg.DSN == "" {
		app.logger.Warn("No DSN specified for database, postgres exporter disabled")
		return nil
	}
	store, err := pgstore.NewItemStore(ctx, pgstore.ItemStoreConfig{
		DSN:      cfg.DSN,
		Table:    cfg.Table,
		MaxConns: cfg.MaxConns,
	}, deps)
	if err != nil {
		return fmt.Errorf("item store init failed: %w", err)
	}
	app.itemStore = store
	app.exporters[ExporterPostgres] = store
	app.logger.Info("item store initialized", zap.String("table", cfg.Table))
	return nil
}
