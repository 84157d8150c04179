package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/blastline/blastline/internal/api"
	"github.com/blastline/blastline/internal/blobstore"
	"github.com/blastline/blastline/internal/config"
	"github.com/blastline/blastline/internal/db"
	"github.com/blastline/blastline/internal/dispatch"
	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/notify"
)

// App is the main application
type App struct {
	config        *config.Config
	database      *db.DB
	blobs         *blobstore.Store
	redisClient   *redis.Client
	subscriber    *notify.Subscriber
	service       *dispatch.Service
	cron          *cron.Cron
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	blobs, err := blobstore.Open(cfg.Blobstore.Path)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	gwClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Origin, cfg.Gateway.Timeout)
	m := metrics.New()

	service := dispatch.New(cfg.Dispatch, database.DB, blobs, gwClient, m, logger)

	bus := notify.NewBus()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	subscriber := notify.NewSubscriber(redisClient, cfg.Redis.Channel, bus, service.HandleReady, logger)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Dispatch.TickInterval), func() {
		service.Tick(context.Background())
	}); err != nil {
		blobs.Close()
		database.Close()
		return nil, fmt.Errorf("failed to schedule ticker: %w", err)
	}

	apiServer := api.NewServer(&cfg.Server, database.DB, service, bus, logger.With("component", "api"))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, logger)
	}

	return &App{
		config:        cfg,
		database:      database,
		blobs:         blobs,
		redisClient:   redisClient,
		subscriber:    subscriber,
		service:       service,
		cron:          c,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting blastline",
		"api_addr", a.config.Server.ListenAddr,
		"gateway", a.config.Gateway.BaseURL,
		"tick_interval", a.config.Dispatch.TickInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.cron.Start()

	errCh := make(chan error, 3)

	go func() {
		if err := a.subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("event subscriber: %w", err)
		}
	}()

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing new sends before tearing down the transports
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("redis close error", "error", err)
	}
	if err := a.blobs.Close(); err != nil {
		a.logger.Error("blob store close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
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
