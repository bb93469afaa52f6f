// Package app builds the long-lived services from configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/catalog-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	gridfsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gridfs"
	localstorage "github.com/JakeFAU/catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	s3storage "github.com/JakeFAU/catalog-crawler/internal/storage/s3"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	sinkTimeout     = 5 * time.Second
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	store      crawler.Store
	objects    crawler.ObjectStore
	publisher  crawler.Publisher
	fetcher    func() crawler.Fetcher
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStore replaces the configured relational store.
func WithStore(s crawler.Store) Option {
	return func(o *options) { o.store = s }
}

// WithObjectStore replaces the configured object store.
func WithObjectStore(s crawler.ObjectStore) Option {
	return func(o *options) { o.objects = s }
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithFetcher replaces the per-run Colly fetcher with one built by newFetcher.
func WithFetcher(newFetcher func() crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = newFetcher }
}

// App holds the services shared by every command.
type App struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	store     crawler.Store
	objects   crawler.ObjectStore
	publisher crawler.Publisher
	extractor *extract.Extractor
	limiter   *ratelimit.Limiter
	ids       *uuid.Generator

	hub      *progress.Hub
	recent   *progresssinks.RecentSink
	dispatch *dispatcher.Dispatcher
	api      *api.Server

	mongoClient  *mongo.Client
	gcsClient    *storage.Client
	pubsubCloser func() error
}

// Build wires every service described by cfg. Callers must Close the App.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, ids: uuid.New()}
	for _, opt := range opts {
		opt(&a.opts)
	}
	metrics.Init()

	logger.Info("building application",
		zap.String("base_url", cfg.Site.BaseURL),
		zap.String("database", cfg.Database.Provider),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int64("archive_limit", cfg.Crawl.ArchiveLimit),
	)

	extractor, err := extract.New(extract.Config{
		CodePattern:         cfg.Crawl.ProductPattern,
		BodySelector:        cfg.Tags.BodySelector,
		BlacklistCodes:      cfg.Blacklist.Codes,
		BlacklistExtensions: cfg.Blacklist.FileExtensions,
	})
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	a.extractor = extractor

	limits := ratelimit.Config{
		DefaultRPS:   cfg.Site.MaxRequestsPerSecond,
		DefaultBurst: 1,
		HostRPS:      cfg.Site.HostRPS(),
	}
	if limits.Enabled() {
		a.limiter = ratelimit.New(limits)
	}

	if err := a.setupDatabase(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupStorage(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupProgress(); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	var emitter progress.Emitter = progress.Nop{}
	if a.hub != nil {
		emitter = a.hub
	}
	a.dispatch = dispatcher.New(
		a.runCrawl,
		a.ids,
		system.New(),
		emitter,
		dispatcher.Config{MonitorInterval: cfg.GUI.RefreshEvery()},
		logger.Named("dispatcher"),
	)

	var events api.EventSource
	if a.recent != nil {
		events = a.recent
	}
	a.api = api.NewServer(a.dispatch, a.store, a.objects, events, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	return a, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.opts.store != nil {
		a.store = a.opts.store
		return nil
	}
	switch a.cfg.Database.Provider {
	case "memory":
		a.logger.Warn("using in-memory store; crawl state is lost on exit")
		a.store = memorystorage.NewStore()
	case "postgres":
		pg := a.cfg.Database.Postgres
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             pg.ConnString(),
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if pg.AutoMigrate {
			if err := pgstore.Migrate(ctx, pool, a.logger.Named("migrate")); err != nil {
				pool.Close()
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		store, err := pgstore.NewWithPool(pool)
		if err != nil {
			pool.Close()
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unsupported database provider %q", a.cfg.Database.Provider)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.opts.objects != nil {
		a.objects = a.opts.objects
		return nil
	}
	logger := a.logger.Named("objects")
	switch a.cfg.Storage.Backend {
	case "gridfs":
		mongoCfg := a.cfg.Database.MongoDB
		store, client, err := gridfsstorage.Open(ctx, gridfsstorage.Config{
			URI:      mongoCfg.ConnString(),
			Database: mongoCfg.Database,
			Bucket:   mongoCfg.Collection,
		}, logger)
		if err != nil {
			return fmt.Errorf("open gridfs: %w", err)
		}
		a.objects = store
		a.mongoClient = client
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		}, a.ids, logger)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.objects = store
		a.gcsClient = client
	case "s3":
		s3cfg := s3storage.Config{
			Bucket:          a.cfg.Storage.S3.Bucket,
			Prefix:          a.cfg.Storage.S3.Prefix,
			Region:          a.cfg.Storage.S3.Region,
			Endpoint:        a.cfg.Storage.S3.Endpoint,
			AccessKeyID:     a.cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: a.cfg.Storage.S3.SecretAccessKey,
			UsePathStyle:    a.cfg.Storage.S3.UsePathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		store, err := s3storage.New(client, s3cfg, a.ids, logger)
		if err != nil {
			return err
		}
		a.objects = store
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir}, a.ids, logger)
		if err != nil {
			return fmt.Errorf("open local storage: %w", err)
		}
		a.objects = store
	case "memory":
		a.logger.Warn("using in-memory object store; files are lost on exit")
		a.objects = memorystorage.NewBlobStore(a.ids)
	default:
		return fmt.Errorf("unsupported storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.opts.publisher != nil {
		a.publisher = a.opts.publisher
		return nil
	}
	ps := a.cfg.Notify.PubSub
	if ps.Topic == "" || ps.ProjectID == "" {
		a.logger.Info("archive notifications disabled")
		return nil
	}
	publisher, err := gcppublisher.Open(ctx, ps.ProjectID, ps.Topic)
	if err != nil {
		return fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.publisher = publisher
	a.pubsubCloser = publisher.Close
	a.logger.Info("archive notifications enabled", zap.String("project", ps.ProjectID), zap.String("topic", ps.Topic))
	return nil
}

func (a *App) setupProgress() error {
	pc := a.cfg.Progress
	if !pc.Enabled {
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
	if err != nil {
		return err
	}
	a.recent = progresssinks.NewRecentSink(0)
	sinks := []progress.Sink{promSink, a.recent}
	if pc.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(pc.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    sinkTimeout,
		Logger:         a.logger.Named("progress"),
	}, sinks...)
	return nil
}

// runCrawl builds a fresh fetcher and worker for one run.
func (a *App) runCrawl(
	ctx context.Context,
	runID string,
	stop crawler.StopSignal,
	obs crawler.Observer,
) (worker.Outcome, error) {
	var fetcher crawler.Fetcher
	if a.opts.fetcher != nil {
		fetcher = a.opts.fetcher()
	} else {
		fetcherOpts := []collyfetcher.Option{}
		if a.limiter != nil {
			fetcherOpts = append(fetcherOpts, collyfetcher.WithLimiter(a.limiter))
		}
		colly := collyfetcher.New(collyfetcher.Config{
			UserAgent:   a.cfg.Site.UserAgent,
			Delay:       a.cfg.Site.Delay(),
			Timeout:     a.cfg.Site.RequestTimeout(),
			MaxBodySize: a.cfg.Site.MaxBodyBytes,
		}, a.logger.Named("fetcher"), fetcherOpts...)
		defer colly.Close()
		fetcher = colly
	}

	var emitter progress.Emitter = progress.Nop{}
	if a.hub != nil {
		emitter = a.hub
	}
	w, err := worker.New(worker.Deps{
		Store:     a.store,
		Objects:   a.objects,
		Fetcher:   fetcher,
		Extractor: a.extractor,
		Publisher: a.publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		Emitter:   emitter,
		Observer:  obs,
	}, worker.Config{
		BaseURL:          a.cfg.Site.BaseURL,
		LinksSelector:    a.cfg.Tags.LinksSelector,
		FileLinkSelector: a.cfg.Tags.FileLinkSelector,
		ArchiveLimit:     int(a.cfg.Crawl.ArchiveLimit),
	}, a.logger.Named("worker"))
	if err != nil {
		return "", fmt.Errorf("build worker: %w", err)
	}
	return w.Run(ctx, runID, stop)
}

// Dispatcher exposes the run controller.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// notifyShutdown ends the returned context on SIGINT or SIGTERM. Tests swap it.
var notifyShutdown = func(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Serve runs the HTTP API until ctx ends or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := notifyShutdown(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Crawl runs one crawl in the foreground. The first SIGINT/SIGTERM asks the
// run to stop after its current item; a second one gets the default handling
// and kills the process.
func (a *App) Crawl(ctx context.Context) (dispatcher.Status, error) {
	sigCtx, stop := notifyShutdown(ctx)
	defer stop()

	if _, err := a.dispatch.Start(ctx); err != nil {
		return dispatcher.Status{}, err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- a.dispatch.Wait(context.Background()) }()

	select {
	case err := <-waitErr:
		if err != nil {
			return a.dispatch.Status(), err
		}
	case <-sigCtx.Done():
		stop()
		a.logger.Info("stop requested; finishing current item (signal again to force quit)")
		if err := a.dispatch.Stop(); err != nil && !errors.Is(err, dispatcher.ErrNotRunning) {
			return a.dispatch.Status(), err
		}
		if err := <-waitErr; err != nil {
			return a.dispatch.Status(), err
		}
	}

	st := a.dispatch.Status()
	if st.LastError != "" {
		return st, fmt.Errorf("crawl %s: %s", st.LastOutcome, st.LastError)
	}
	return st, nil
}

// Requeue flips errored rows back to pending.
func (a *App) Requeue(ctx context.Context, target crawler.RequeueTarget) (crawler.RequeueResult, error) {
	res, err := a.store.RequeueErrors(ctx, target)
	if err != nil {
		return crawler.RequeueResult{}, fmt.Errorf("requeue errors: %w", err)
	}
	a.logger.Info("requeued errored items", zap.Int64("codes", res.Codes), zap.Int64("names", res.Names))
	return res, nil
}

// Stats returns status counts from the store.
func (a *App) Stats(ctx context.Context) (crawler.Stats, error) {
	return a.store.Stats(ctx)
}

// Close stops any active run and releases every client.
func (a *App) Close(ctx context.Context) error {
	var runErr error
	if a.dispatch != nil {
		if err := a.dispatch.Shutdown(ctx); err != nil {
			a.logger.Warn("crawl did not stop cleanly", zap.Error(err))
			runErr = err
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubCloser != nil {
		if err := a.pubsubCloser(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
		a.pubsubCloser = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.logger.Warn("mongodb disconnect failed", zap.Error(err))
		}
		a.mongoClient = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// MigrateDatabase applies pending Postgres migrations and exits.
func MigrateDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Database.Provider != "postgres" {
		return fmt.Errorf("migrations require the postgres provider, got %q", cfg.Database.Provider)
	}
	pg := cfg.Database.Postgres
	pool, err := pgstore.NewPool(ctx, pgstore.Config{DSN: pg.ConnString(), MaxConns: 1})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer pool.Close()
	return pgstore.Migrate(ctx, pool, logger)
}
