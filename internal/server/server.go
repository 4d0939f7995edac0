// Package server builds the application's dependency graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/api"
	"github.com/JakeFAU/seriesfetch/internal/app"
	"github.com/JakeFAU/seriesfetch/internal/clock/system"
	"github.com/JakeFAU/seriesfetch/internal/config"
	"github.com/JakeFAU/seriesfetch/internal/dispatcher"
	"github.com/JakeFAU/seriesfetch/internal/extract"
	collyfetcher "github.com/JakeFAU/seriesfetch/internal/fetcher/colly"
	"github.com/JakeFAU/seriesfetch/internal/fetcher/headless"
	"github.com/JakeFAU/seriesfetch/internal/headless/detector"
	"github.com/JakeFAU/seriesfetch/internal/id/uuid"
	"github.com/JakeFAU/seriesfetch/internal/images"
	"github.com/JakeFAU/seriesfetch/internal/logging"
	"github.com/JakeFAU/seriesfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/seriesfetch/internal/proxy"
	memorypublisher "github.com/JakeFAU/seriesfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/seriesfetch/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/seriesfetch/internal/queue/memory"
	"github.com/JakeFAU/seriesfetch/internal/scheduler"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
	gcsstorage "github.com/JakeFAU/seriesfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/seriesfetch/internal/storage/local"
	memorystorage "github.com/JakeFAU/seriesfetch/internal/storage/memory"
	pgstore "github.com/JakeFAU/seriesfetch/internal/storage/postgres"
	"github.com/JakeFAU/seriesfetch/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	clock      scraper.Clock
	gateway    scraper.Gateway
	pgGateway  *pgstore.Gateway
	blobStore  images.Store
	publisher  scraper.Publisher
	gcpPub     *gcppublisher.Publisher
	pubsub     *pubsub.Client
	storage    *storage.Client
	proxies    *proxy.Manager
	queue      *queuememory.Queue
	dispatch   *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	manager    *app.App
	apiServer  *api.Server
	workerDeps worker.Deps
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies around an existing logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Workers.Concurrency),
		zap.String("images_backend", cfg.Images.Backend),
		zap.Int("proxies", len(cfg.Proxies)),
	)

	if err := a.setupGateway(ctx); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	if err := a.setupStorage(ctx); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	if err := a.setupPipeline(); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	return a, nil
}

func (a *App) setupGateway(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN configured, using in-memory gateway seeded from config",
			zap.Int("sources", len(a.cfg.Sources)))
		a.gateway = memorystorage.NewGateway(a.cfg.Sources...)
		return nil
	}
	gw, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres gateway init failed: %w", err)
	}
	if err := gw.EnsureSchema(ctx); err != nil {
		gw.Close()
		return fmt.Errorf("postgres schema init failed: %w", err)
	}
	a.pgGateway = gw
	a.gateway = gw
	a.logger.Info("postgres gateway initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Images.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS image store", zap.String("bucket", a.cfg.Images.GCSBucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobStore, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Images.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs image store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local image store", zap.String("path", a.cfg.Images.RootDir))
		a.blobStore, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Images.RootDir})
		if err != nil {
			return fmt.Errorf("local image store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory image store")
		a.blobStore = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsub, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPub = gcppublisher.New(a.pubsub, a.cfg.PubSub.TopicName, a.logger.Named("pubsub"))
	a.publisher = a.gcpPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupPipeline() error {
	cfg := a.cfg
	a.proxies = proxy.New(cfg.Proxies, a.clock, a.logger.Named("proxy"))

	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Browser.RequestsPerSecond,
		DefaultBurst: cfg.Browser.Burst,
	})
	browser, err := headless.New(headless.Config{
		MaxParallel:          cfg.Browser.MaxParallel,
		UserAgent:            cfg.Browser.UserAgent,
		NavigationTimeout:    time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		WaitTimeout:          time.Duration(cfg.Browser.WaitTimeoutSeconds) * time.Second,
		BlockedResourceTypes: cfg.Browser.BlockedResourceTypes,
		ExecPath:             cfg.Browser.ExecPath,
		Detector:             challengeDetector(cfg.Browser.ChallengeMinBytes),
	}, pacer, a.logger)
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}

	downloader := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   time.Duration(cfg.Images.TimeoutSeconds) * time.Second,
		MaxBytes:  cfg.Images.MaxBytes,
	})
	acquirer, err := images.New(downloader, a.blobStore, images.Config{
		MaxBytes:      cfg.Images.MaxBytes,
		MinWidth:      cfg.Images.MinWidth,
		MinHeight:     cfg.Images.MinHeight,
		CoverQuality:  cfg.Images.CoverQuality,
		PageQuality:   cfg.Images.PageQuality,
		UpscaleCovers: cfg.Images.UpscaleCovers,
		UpscalePages:  cfg.Images.UpscalePages,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("image pipeline init failed: %w", err)
	}

	registry, err := extract.NewRegistry(extract.Deps{
		IDs:    extract.NewIDs(cfg.Extract.AllowRandomIDs, a.logger),
		Clock:  a.clock,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("extractor registry init failed: %w", err)
	}

	initial, maximum := cfg.RetryBackoff()
	a.queue = queuememory.NewQueue(queuememory.Config{
		Retry: queuememory.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   initial,
			MaxDelay:    maximum,
		},
		RetainCompleted: cfg.Queue.RetainCompleted,
	}, a.clock, a.logger)

	a.workerDeps = worker.Deps{
		Queue:      a.queue,
		Gateway:    a.gateway,
		Browser:    browserSessions{browser: browser},
		Extractors: registry,
		Proxies:    a.proxies,
		Images:     acquirer,
		Publisher:  a.publisher,
		Clock:      a.clock,
	}
	workerCfg := worker.Config{
		SkipProcessedEpisodes: cfg.Scrape.SkipProcessedEpisodes,
		Topic:                 cfg.PubSub.TopicName,
	}
	a.logger.Info("worker config",
		zap.Bool("skip_processed_episodes", workerCfg.SkipProcessedEpisodes),
		zap.String("topic", workerCfg.Topic),
		zap.Strings("themes", themeNames(registry.Themes())),
	)
	runners := make([]dispatcher.Runner, 0, cfg.Workers.Concurrency)
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		w, err := worker.New(a.workerDeps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		runners = append(runners, w)
	}

	a.dispatch, err = dispatcher.New(
		dispatcher.Config{MaxPageSpan: cfg.Dispatch.MaxPageSpan},
		a.queue, uuid.New(), runners, a.logger.Named("dispatcher"),
	)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		IntervalUnit:    cfg.Scheduler.IntervalUnit,
		DefaultInterval: cfg.Scheduler.DefaultInterval,
	}, a.gateway, a.dispatch, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.manager, err = app.New(a.queue, a.dispatch, a.scheduler, a.proxies, a.logger.Named("app"))
	if err != nil {
		return fmt.Errorf("management init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.manager, cfg.Auth, a.logger.Named("api"))
	return nil
}

// Manager exposes the management facade.
func (a *App) Manager() *app.App {
	return a.manager
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts workers, the scheduler (when autostart is on) and the HTTP server, and
// blocks until the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Scheduler.Autostart {
		if _, err := a.manager.StartSchedulerAll(ctx); err != nil {
			a.logger.Error("scheduler autostart failed", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Close()
	a.queue.Close()
	<-dispatchDone
	return a.Close()
}

// RunOnce admits req, runs workers until the queue drains, and returns the resulting jobs.
func (a *App) RunOnce(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(runCtx)
	}()

	jobs, err := a.manager.EnqueueJob(runCtx, req)
	if err != nil {
		cancel()
		<-dispatchDone
		return nil, err
	}
	waitErr := a.queue.WaitIdle(runCtx)
	cancel()
	<-dispatchDone

	out := make([]scraper.Job, 0, len(jobs))
	for _, job := range jobs {
		if got, ok := a.manager.Job(job.ID); ok {
			job = got
		}
		out = append(out, job)
	}
	if waitErr != nil {
		return out, waitErr
	}
	return out, nil
}

// Close releases every external client. It is safe to call once after Run or RunOnce.
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.gcpPub != nil {
		a.gcpPub.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgGateway != nil {
		a.pgGateway.Close()
	}
}

// browserSessions adapts the headless browser to the worker's session port.
type browserSessions struct {
	browser *headless.Browser
}

func (b browserSessions) Open(ctx context.Context, sourceID string, proxy scraper.ProxyEndpoint) (worker.Session, error) {
	s, err := b.browser.Open(ctx, headless.SessionOptions{SourceID: sourceID, Proxy: proxy})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func challengeDetector(minBytes int) headless.Detector {
	if minBytes <= 0 {
		return nil
	}
	return detector.NewHeuristic(minBytes)
}

func themeNames(themes []scraper.Theme) []string {
	out := make([]string, 0, len(themes))
	for _, t := range themes {
		out = append(out, string(t))
	}
	return out
}
