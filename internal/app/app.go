// Package app wires the featurepack server: object storage, the snapshot
// catalog, the registry of served snapshots and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	httpapi "github.com/featurepack/featurepack/internal/api/http"
	"github.com/featurepack/featurepack/internal/catalog"
	"github.com/featurepack/featurepack/internal/config"
	"github.com/featurepack/featurepack/internal/crs"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/observability"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/server"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/internal/storage"
)

// App manages the server lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources
	storage  storage.ObjectStorage
	catalog  *catalog.SQLiteCatalog
	fetcher  *storage.Fetcher
	registry *snapshot.Registry
	shutdown *server.ShutdownManager

	// Query path
	executor *executor.Executor
	stats    *observability.FilterStats
	advisor  *observability.Advisor
	metrics  *observability.Metrics
	reloader *Reloader

	httpServer *server.GracefulHTTPServer
	handler    http.Handler

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	serveCh chan error
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg, logger: logging.Or(logger)}, nil
}

// Start loads the active snapshots, then starts the reload loop and the
// HTTP server on the configured address.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.StartListener(ctx, ln)
}

// StartListener is Start serving on ln.
func (a *App) StartListener(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		ln.Close()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		ln.Close()
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	res, err := a.reloader.Sync(ctx)
	if err != nil {
		ln.Close()
		a.cleanup()
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	a.logger.Info("snapshots loaded",
		"collections", len(res.Published),
		"failed", len(res.Failed))

	a.startBackground(ctx)
	a.startHTTP(ln)
	return nil
}

// OpenStorage opens the object storage selected by cfg.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	var (
		store storage.ObjectStorage
		err   error
	)
	switch cfg.Storage.Type {
	case "local":
		store, err = storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		store, err = storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, cfg.StorageS3Config())
	default:
		err = fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

// initSharedResources initializes storage, the catalog, the registry and
// the query path.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{Logger: a.logger})

	a.storage, err = OpenStorage(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.logger.Info("storage initialized", "type", a.cfg.Storage.Type, "bucket", a.cfg.Storage.S3.Bucket)

	a.catalog, err = catalog.NewCatalog(a.cfg.Catalog.Path, catalog.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	a.logger.Info("catalog initialized", "path", a.cfg.Catalog.Path)

	artifacts := storage.NewArtifacts(a.storage, a.logger)
	a.fetcher, err = storage.NewFetcher(artifacts, a.cfg.Cache.Dir, a.cfg.Cache.FetchConcurrency,
		storage.NewArtifactCache(a.cfg.Cache.MaxBytes), a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact cache: %w", err)
	}

	a.registry = snapshot.NewRegistry()
	a.metrics = observability.NewMetrics()
	a.stats = observability.NewFilterStats(a.cfg.Stats.Window)
	a.advisor = observability.NewAdvisor(a.stats, registryIndexedFields{a.registry}, a.cfg.AdvisorConfig(), a.logger)
	a.executor = executor.New(
		planner.New(a.cfg.PlannerConfig(), crs.NewRegistry()),
		executor.WithObserver(&observability.QueryObserver{Stats: a.stats, Metrics: a.metrics}),
		executor.WithLogger(a.logger),
	)
	a.reloader = NewReloader(a.cfg.Catalog.ReloadInterval, a.catalog, a.fetcher, a.registry, a.metrics, a.logger)

	h := httpapi.NewHandler(a.registry, a.executor,
		httpapi.WithFilterStats(a.stats, a.advisor),
		httpapi.WithMetrics(a.metrics),
		httpapi.WithLogger(a.logger),
		httpapi.WithBaseURL(a.cfg.HTTP.BaseURL),
		httpapi.WithQueryTimeout(a.cfg.Query.Timeout),
	)
	a.handler = httpapi.NewRouter(h, httpapi.RouterConfig{
		Shutdown:  a.shutdown,
		Gzip:      a.cfg.HTTP.Gzip,
		RateLimit: a.cfg.HTTP.RateLimit,
		RateBurst: a.cfg.HTTP.RateBurst,
	})

	// Closers run LIFO: background loops stop, then the registry unmaps the
	// snapshots, then the catalog closes, and the HTTP server goes last.
	a.httpServer = server.NewGracefulHTTPServer(&http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown)
	a.shutdown.RegisterCloser("catalog", a.catalog)
	a.shutdown.RegisterCloser("registry", a.registry)
	a.shutdown.RegisterCloser("reloader", a.reloader)
	a.shutdown.OnShutdownStart(func() {
		if a.cancel != nil {
			a.cancel()
		}
	})
	return nil
}

func (a *App) startBackground(ctx context.Context) {
	if a.cfg.Catalog.ReloadInterval > 0 {
		if err := a.reloader.Start(ctx); err != nil {
			a.logger.Warn("reload loop not started", "error", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.advisor.Run(ctx)
	}()
}

func (a *App) startHTTP(ln net.Listener) {
	a.serveCh = make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		err := a.httpServer.Serve(ln)
		if err != nil {
			a.logger.Error("HTTP server error", "error", err)
		}
		a.serveCh <- err
	}()
}

// Handler returns the HTTP handler. It is nil before Start.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the registry of served snapshots.
func (a *App) Registry() *snapshot.Registry { return a.registry }

// Reloader returns the snapshot reloader.
func (a *App) Reloader() *Reloader { return a.reloader }

// Stop gracefully stops the server and releases every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Info("featurepack stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal is received, ctx is done
// or the HTTP server fails, and then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-a.serveCh:
			failed <- err
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := a.shutdown.ListenForSignals(waitCtx)
	if stopErr := a.Stop(context.Background()); stopErr != nil && err == nil {
		err = stopErr
	}
	select {
	case serveErr := <-failed:
		return errors.Join(serveErr, err)
	default:
		return err
	}
}

// cleanup releases whatever initSharedResources opened when Start fails.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
