package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/providers"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/opensource-finance/kestrel/internal/telemetry/metrics"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the async worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *domain.Config) error {
	logger := newLogger(cfg.Logging)

	logger.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	logger.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(cfg.Metrics, registry)

	store := configstore.New(repo, cfg.Tunables, logger)
	store.OnPublish(func(s *snapshot.Snapshot) {
		collector.SetSnapshotVersion(s.Version())
	})
	if err := loadPolicy(ctx, store, cfg.Policy, logger); err != nil {
		return err
	}

	if cfg.Policy.Watch {
		watcher, err := configstore.NewWatcher(cfg.Policy.FilePath, configstore.DefaultDebounce, logger)
		if err != nil {
			return fmt.Errorf("failed to watch policy file: %w", err)
		}
		defer watcher.Close()
		go func() {
			err := watcher.Watch(ctx, func(ctx context.Context) error {
				_, err := store.LoadFile(ctx, cfg.Policy.FilePath)
				return err
			})
			if err != nil {
				logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	resync := configstore.NewResync(store, cfg.Policy.ResyncSchedule, logger)
	if err := resync.Start(ctx); err != nil {
		return err
	}
	defer resync.Stop()

	history := providers.NewService(repo, cacheImpl, cfg.Providers)
	engine := orchestrator.New(orchestrator.Deps{
		Snapshots: store,
		Fraud:     fraud.NewDetector(history),
		Recorder:  audit.NewRecorder(repo, busImpl),
		History:   history,
		Metrics:   collector,
		Logger:    logger,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, engine, worker.Config{Concurrency: cfg.Worker.Concurrency})
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		logger.Info("async worker started", "concurrency", cfg.Worker.Concurrency)
	}

	deps := api.Deps{
		Evaluator:   engine,
		Policy:      store,
		Repo:        repo,
		Cache:       cacheImpl,
		MetricsPath: cfg.Metrics.Path,
		Version:     Version,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = collector
	}
	srv := api.NewServer(cfg.Server, deps)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			logger.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("kestrel shutdown complete")
	return nil
}

// loadPolicy publishes the first snapshot, from the policy file when one is
// configured and from the repository otherwise. An empty repository is not
// fatal: the service starts unready and accepts definitions over the API.
func loadPolicy(ctx context.Context, store *configstore.Store, cfg domain.PolicyConfig, logger *slog.Logger) error {
	if cfg.FilePath != "" {
		if _, err := store.LoadFile(ctx, cfg.FilePath); err != nil {
			return fmt.Errorf("failed to load policy file: %w", err)
		}
		return nil
	}

	snap, err := store.Reload(ctx)
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		logger.Warn("no valid policy in repository - configure via the admin API", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("failed to load policy: %w", err)
	}
	logger.Info("policy loaded from repository", "snapshot_version", snap.Version())
	return nil
}
