package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pacer/internal/api"
	"github.com/foxzi/pacer/internal/batch"
	"github.com/foxzi/pacer/internal/config"
	"github.com/foxzi/pacer/internal/dispatch"
	"github.com/foxzi/pacer/internal/dkim"
	"github.com/foxzi/pacer/internal/followup"
	"github.com/foxzi/pacer/internal/history"
	"github.com/foxzi/pacer/internal/holiday"
	"github.com/foxzi/pacer/internal/ipfilter"
	"github.com/foxzi/pacer/internal/jobs"
	"github.com/foxzi/pacer/internal/lock"
	"github.com/foxzi/pacer/internal/mailbox"
	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
	"github.com/foxzi/pacer/internal/provider"
	"github.com/foxzi/pacer/internal/store/postgres"
	"github.com/foxzi/pacer/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *bolt.DB
	redis         *redis.Client
	postgres      *postgres.Store
	memoryStore   *progress.MemoryStore
	runner        *batch.Runner
	jobs          *jobs.Service
	dispatch      *dispatch.Manager
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	if err := a.build(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.db = db

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
		filter, err := ipfilter.New(cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		if err != nil {
			return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}
		a.metricsServer.Restrict(filter)
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	progressCfg := progress.Config{
		Retention:  cfg.Progress.Retention,
		StaleAfter: cfg.Progress.StaleAfter,
		MaxDetails: cfg.Progress.MaxDetails,
	}
	var store progress.Store
	if cfg.Progress.Backend == "redis" {
		store = progress.NewRedisStore(a.redis, progressCfg, cfg.Progress.KeyPrefix)
	} else {
		a.memoryStore = progress.NewMemoryStore(progressCfg, logger.With("component", "progress"))
		store = a.memoryStore
	}
	logger.Info("progress store ready", "backend", cfg.Progress.Backend)

	a.runner = batch.NewRunner(store, batch.Config{
		FlushEvery: cfg.Batch.FlushEvery,
		RetryDelay: cfg.Batch.RetryDelay,
	}, logger)

	var classifier jobs.Classifier
	var verifier jobs.Verifier
	if cfg.Provider.BaseURL != "" {
		client := provider.NewClient(provider.Config{
			BaseURL:           cfg.Provider.BaseURL,
			APIKey:            cfg.Provider.APIKey,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Timeout:           cfg.Provider.Timeout,
		})
		classifier, verifier = client, client
		logger.Info("classification provider enabled", "url", cfg.Provider.BaseURL)
	}
	a.jobs = jobs.NewService(a.runner, classifier, verifier, logger)

	deps := api.Deps{
		Version:  version,
		Jobs:     a.jobs,
		Progress: store,
	}

	if cfg.Postgres.DSN == "" {
		logger.Warn("postgres.dsn not set, campaign dispatch disabled")
	} else if err := a.buildDispatch(ctx, &deps); err != nil {
		return err
	}

	filter, err := ipfilter.New(cfg.API.AllowedIPs, logger.With("component", "api"))
	if err != nil {
		return fmt.Errorf("invalid api.allowed_ips: %w", err)
	}
	a.apiServer = api.NewServer(deps, &cfg.API, filter, logger)
	return nil
}

// buildDispatch wires campaign sending on top of the external store
func (a *App) buildDispatch(ctx context.Context, deps *api.Deps) error {
	cfg := a.config
	logger := a.logger

	pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	a.postgres = pg

	dispatchLoc, err := cfg.DispatchLocation()
	if err != nil {
		return err
	}
	mailboxLoc, err := cfg.MailboxLocation()
	if err != nil {
		return err
	}

	var allocator interface {
		dispatch.Allocator
		api.Quotas
	}
	if cfg.Mailbox.Backend == "redis" {
		allocator = mailbox.NewRedisAllocator(a.redis, cfg.Mailbox.KeyPrefix, mailboxLoc)
	} else {
		allocator, err = mailbox.NewAllocator(a.db, mailboxLoc)
		if err != nil {
			return fmt.Errorf("failed to create mailbox allocator: %w", err)
		}
	}
	logger.Info("mailbox quotas ready", "backend", cfg.Mailbox.Backend)
	sendHistory, err := history.NewBoltStore(a.db)
	if err != nil {
		return fmt.Errorf("failed to create send history: %w", err)
	}

	var fetcher holiday.Fetcher
	if cfg.Holidays.ProviderURL != "" {
		fetcher = holiday.NewNagerClient(cfg.Holidays.ProviderURL, cfg.Holidays.Timeout)
	}
	holidays, err := holiday.NewChecker(fetcher, a.db, cfg.Holidays.Static, logger)
	if err != nil {
		return fmt.Errorf("failed to create holiday checker: %w", err)
	}

	keyring, err := dkim.NewKeyring(cfg.Transport.DKIM)
	if err != nil {
		return fmt.Errorf("failed to load DKIM keys: %w", err)
	}
	if keyring.Len() > 0 {
		logger.Info("DKIM signing enabled", "domains", keyring.Len())
	}
	sender := transport.NewSMTPSender(transport.Config{
		Hostname:           cfg.Server.Hostname,
		Timeout:            cfg.Transport.Timeout,
		InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
	}, keyring, logger.With("component", "transport"))

	var locker *lock.RedisLocker
	if cfg.Dispatch.Lock {
		locker = lock.NewRedisLocker(a.redis, "")
	}

	a.dispatch = dispatch.NewManager(dispatch.Deps{
		Runner:    a.runner,
		Store:     pg,
		History:   sendHistory,
		Allocator: allocator,
		Pacer:     pacing.NewCalculator(holidays),
		Sender:    sender,
		Locker:    locker,
	}, dispatch.Config{
		Location:        dispatchLoc,
		RecheckInterval: cfg.Dispatch.RecheckInterval,
		LockTTL:         cfg.Dispatch.LockTTL,
	}, logger)

	deps.Campaigns = a.dispatch
	deps.History = sendHistory
	deps.Mailboxes = pg
	deps.Quotas = allocator
	deps.FollowUps = followup.NewService(pg, dispatchLoc, logger)
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting pacer",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"progress_backend", a.config.Progress.Backend,
		"dispatch", a.dispatch != nil,
		"batch_kinds", a.jobs.Kinds(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.memoryStore != nil {
		a.memoryStore.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Interrupt dispatch loops and batches; their progress is finalized as interrupted
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	a.jobs.Close()

	done := make(chan struct{})
	go func() {
		a.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("batch jobs did not stop in time")
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases storage handles; safe on a partially built App
func (a *App) close() {
	if a.memoryStore != nil {
		a.memoryStore.Stop()
	}
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			a.logger.Error("postgres close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
