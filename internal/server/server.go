// Package server is the composition root: it builds every component from
// config.Config and owns their shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/api"
	"github.com/JakeFAU/ingest-crawler/internal/artifacts"
	"github.com/JakeFAU/ingest-crawler/internal/clock/system"
	"github.com/JakeFAU/ingest-crawler/internal/config"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/datefilter"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/dispatcher"
	"github.com/JakeFAU/ingest-crawler/internal/downstream/enrich"
	"github.com/JakeFAU/ingest-crawler/internal/downstream/index"
	"github.com/JakeFAU/ingest-crawler/internal/engine"
	"github.com/JakeFAU/ingest-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/ingest-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/ingest-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/ingest-crawler/internal/fetcher/httpfetch"
	"github.com/JakeFAU/ingest-crawler/internal/hash/sha256"
	"github.com/JakeFAU/ingest-crawler/internal/headless/detector"
	"github.com/JakeFAU/ingest-crawler/internal/id/uuid"
	"github.com/JakeFAU/ingest-crawler/internal/logging"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/ingest-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/ingest-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/ingest-crawler/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/ingest-crawler/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/ingest-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/ingest-crawler/internal/quality"
	"github.com/JakeFAU/ingest-crawler/internal/registry"
	gcsstorage "github.com/JakeFAU/ingest-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ingest-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/ingest-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/ingest-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/ingest-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/ingest-crawler/internal/store"
	"github.com/JakeFAU/ingest-crawler/internal/telemetry"
	"github.com/JakeFAU/ingest-crawler/internal/worker"
)

// Version is reported in telemetry resources. Set with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Registry  *registry.Registry
	Runs      store.RunStore
	Artifacts *artifacts.Store
	Dedup     *dedup.Cache
	Pipeline  *pipeline.Pipeline

	ready   func(context.Context) error
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	telCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	if cfg.Telemetry.TracingEnabled {
		telCfg.ProjectID = cfg.Telemetry.ProjectID
	}
	providers, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.onClose("telemetry", providers.Shutdown)
	metrics.Init()

	app.Registry, err = registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("registry load failed: %w", err)
	}
	logger.Info("source registry loaded",
		zap.String("path", cfg.Registry.Path),
		zap.Int("sources", len(app.Registry.Sources())),
		zap.Int("enabled", len(app.Registry.Enabled())),
	)

	facts, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	app.Artifacts = artifacts.New(blobs, cfg.Storage.Prefix)

	clock := system.New()
	app.Dedup, err = dedup.New(ctx, dedup.Config{
		MatchThreshold:     cfg.Dedup.MatchThreshold,
		TTL:                cfg.Dedup.TTL(),
		ContentPrefixChars: cfg.Dedup.ContentPrefixChars,
		BloomCapacity:      cfg.Dedup.BloomCapacity,
		BloomFalsePositive: cfg.Dedup.BloomFalsePositive,
		HotCacheMB:         cfg.Dedup.HotCacheMB,
	}, facts, sha256.New(), clock.Now, logger.Named("dedup"))
	if err != nil {
		return nil, fmt.Errorf("dedup cache init failed: %w", err)
	}
	app.onClose("dedup", func(context.Context) error { return app.Dedup.Close() })

	emitter, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Dates.Location)
	if err != nil {
		return nil, fmt.Errorf("dates.location: %w", err)
	}
	scraper := app.setupScraper(clock, loc, emitter)

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	indexer, err := app.setupIndexer(ctx, publisher)
	if err != nil {
		return nil, err
	}
	enricher, err := app.setupEnricher()
	if err != nil {
		return nil, err
	}

	app.Pipeline, err = pipeline.New(pipeline.Config{
		IncrementalThreshold: cfg.IncrementalThreshold(),
		NotifyTopic:          cfg.Notify.Topic,
	}, pipeline.Deps{
		Runs:      app.Runs,
		Artifacts: app.Artifacts,
		Catalog:   app.Registry,
		Scraper:   scraper,
		Dates: datefilter.NewFilter(datefilter.Config{
			CutoffDays:      cfg.Dates.CutoffDays,
			FutureTolerance: cfg.FutureTolerance(),
			Location:        loc,
		}, clock.Now, logger.Named("datefilter")),
		Quality: quality.New(quality.Config{
			MinTitleChars:  cfg.Quality.MinTitleChars,
			MinBodyChars:   cfg.Quality.MinBodyChars,
			MinWords:       cfg.Quality.MinWords,
			IdealWords:     cfg.Quality.IdealWords,
			SpamTerms:      cfg.Quality.SpamTerms,
			SpamRejectHits: cfg.Quality.SpamRejectHits,
		}),
		Dedup:     app.Dedup,
		Enricher:  enricher,
		Indexer:   indexer,
		Publisher: publisher,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     clock,
		Progress:  emitter,
		Logger:    logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return app, nil
}

func (a *App) setupStores(ctx context.Context) (store.CacheStore, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		a.onClose("sqlite", func(context.Context) error { return db.Close() })
		a.ready = db.PingContext
		runs, err := sqlitestore.NewRunStore(db)
		if err != nil {
			return nil, err
		}
		facts, err := sqlitestore.NewCacheStore(db)
		if err != nil {
			return nil, err
		}
		a.Runs = runs
		a.logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return facts, nil
	case "postgres":
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres connect failed: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		a.ready = pool.Ping
		if cfg.Migrate {
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return nil, err
		}
		facts, err := pgstore.NewCacheStore(pool)
		if err != nil {
			return nil, err
		}
		a.Runs = runs
		a.logger.Info("using postgres store", zap.Int32("max_conns", cfg.MaxConns))
		return facts, nil
	default:
		a.logger.Warn("using in-memory run and cache stores; state is lost on exit")
		a.Runs = memorystorage.NewRunStore()
		return memorystorage.NewCacheStore(), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", cfg.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	cfg := a.cfg.Progress
	if !cfg.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	var sinks []progress.Sink
	if cfg.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if cfg.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.Nop{}, nil
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg, sinks...)
	a.onClose("progress", hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinks)),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func retry(e config.EngineConfig) crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts: e.MaxAttempts,
		BaseDelay:   time.Duration(e.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(e.BackoffMaxMs) * time.Millisecond,
	})
}

// setupScraper wires engines, host permits and extraction into the worker
// pool.
func (a *App) setupScraper(clock *system.Clock, loc *time.Location, emitter progress.Emitter) *dispatcher.Dispatcher {
	cfg := a.cfg
	respectRobots := !cfg.Crawler.IgnoreRobots
	var engines []engine.Engine
	if e := cfg.Engines.HTTP; e.Enabled {
		engines = append(engines, engine.Engine{
			Fetcher: httpfetch.New(httpfetch.Config{
				UserAgent:     cfg.Crawler.UserAgent,
				RespectRobots: respectRobots,
				Timeout:       e.Timeout(),
				MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
			}, a.logger.Named("http_fetcher")),
			Retry:   retry(e),
			Timeout: e.Timeout(),
		})
	}
	if e := cfg.Engines.Colly; e.Enabled {
		engines = append(engines, engine.Engine{
			Fetcher: collyfetcher.New(collyfetcher.Config{
				UserAgent:     cfg.Crawler.UserAgent,
				RespectRobots: respectRobots,
				Timeout:       e.Timeout(),
				MaxBodyBytes:  int(cfg.Crawler.MaxBodyBytes),
			}),
			Retry:   retry(e),
			Timeout: e.Timeout(),
		})
	}
	if e := cfg.Engines.Headless; e.Enabled {
		engines = append(engines, engine.Engine{
			Fetcher:  a.headless(e),
			Retry:    retry(e.EngineConfig),
			Timeout:  e.Timeout(),
			Rendered: true,
		})
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerHostPermits: cfg.RateLimit.PerHostPermits,
		PerHostQPS:     cfg.RateLimit.PerHostQPS,
		Burst:          cfg.RateLimit.Burst,
	})
	selector := engine.New(limiter, detector.NewHeuristic(cfg.Crawler.MinViableBytes, 0), a.logger.Named("engine"), engines...)
	extractor := extract.New(extract.Config{
		MaxFallbackCandidates: cfg.Extract.MaxFallbackCandidates,
		MinBlockChars:         cfg.Extract.MinBlockChars,
		MinGenericMatches:     cfg.Extract.MinGenericMatches,
	}, a.Registry, datefilter.NewParser(loc, clock.Now), clock.Now, a.logger.Named("extract"))

	workers := make([]*worker.Worker, cfg.Crawler.Workers)
	for i := range workers {
		workers[i] = worker.New(selector, extractor, clock, emitter, worker.Config{},
			a.logger.Named("worker").With(zap.Int("index", i)))
	}
	a.logger.Info("scraper ready",
		zap.Int("workers", len(workers)),
		zap.Int("engines", len(engines)),
		zap.Int("per_host_permits", cfg.RateLimit.PerHostPermits),
	)
	return dispatcher.New(workers, a.logger.Named("dispatcher")).WithQueueDepth(cfg.Crawler.QueueDepth)
}

// headless returns the browser engine, or a stand-in the selector skips when
// no browser is installed.
func (a *App) headless(e config.HeadlessEngineConfig) crawler.Fetcher {
	path, ok := headlessfetcher.LocateBrowser(e.ChromePath)
	if !ok {
		a.logger.Warn("no Chrome or Chromium binary found; headless engine unavailable")
		return headlessfetcher.NewUnavailable()
	}
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       e.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: e.Timeout(),
		ChromePath:        path,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed", zap.Error(err))
		return headlessfetcher.NewUnavailable()
	}
	a.onClose("headless", func(context.Context) error {
		f.Close()
		return nil
	})
	a.logger.Info("using headless fetcher", zap.String("browser", path), zap.Int("max_parallel", e.MaxParallel))
	return f
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.Notify
	switch cfg.Backend {
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub publisher initialized", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
		return pub, nil
	case "nats":
		pub, err := natspublisher.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats connect failed: %w", err)
		}
		a.onClose("nats", func(context.Context) error { return pub.Close() })
		a.logger.Info("NATS publisher initialized", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.Topic))
		return pub, nil
	default:
		a.logger.Warn("no notification broker configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
}

func (a *App) setupIndexer(ctx context.Context, pub crawler.Publisher) (index.Indexer, error) {
	cfg := a.cfg.Index
	fallback, err := index.NewPublishing(pub, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("publish indexer init failed: %w", err)
	}
	if cfg.Backend != "qdrant" {
		return index.Router{Fallback: fallback}, nil
	}
	q, err := index.DialQdrant(cfg.QdrantAddr, cfg.Collection)
	if err != nil {
		return nil, err
	}
	a.onClose("qdrant", func(context.Context) error { return q.Close() })
	if err := q.EnsureCollection(ctx, cfg.VectorSize); err != nil {
		return nil, err
	}
	a.logger.Info("qdrant indexer initialized", zap.String("addr", cfg.QdrantAddr), zap.String("collection", cfg.Collection))
	return index.Router{Vector: q, Fallback: fallback}, nil
}

func (a *App) setupEnricher() (pipeline.Enricher, error) {
	cfg := a.cfg.Enrich
	if cfg.Endpoint == "" {
		a.logger.Info("no enrichment endpoint configured; items pass through unannotated")
		return enrich.Passthrough{}, nil
	}
	client, err := enrich.New(enrich.Config{
		Endpoint:  cfg.Endpoint,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		BatchSize: cfg.BatchSize,
	}, nil, a.logger.Named("enrich"))
	if err != nil {
		return nil, fmt.Errorf("enrich client init failed: %w", err)
	}
	return client, nil
}

// Ready reports whether the configured database answers.
func (a *App) Ready(ctx context.Context) error {
	if a.ready == nil {
		return nil
	}
	return a.ready(ctx)
}

// Serve runs the HTTP API and the dedup sweeper until ctx ends, then drains
// in-flight requests and runs started over HTTP.
func (a *App) Serve(ctx context.Context) error {
	apiServer := api.NewServer(ctx, api.Deps{
		Runs:        a.Runs,
		Artifacts:   a.Artifacts,
		Runner:      a.Pipeline,
		Sources:     a.Registry,
		Cache:       a.Dedup,
		Ready:       a.Ready,
		SaveSources: func() error { return a.Registry.Save(a.cfg.Registry.Path) },
	}, api.Config{APIKey: a.apiKey()}, a.logger.Named("api"))

	go a.Dedup.RunSweeper(ctx, time.Duration(a.cfg.Dedup.SweepIntervalMinutes)*time.Minute)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		a.logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	apiServer.Wait()
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

func (a *App) apiKey() string {
	if a.cfg.Auth.Enabled {
		return a.cfg.Auth.APIKey
	}
	return ""
}

// Close shuts components down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
