package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/docbatch/internal/config"
	"github.com/MimeLyc/docbatch/internal/httpapi"
	"github.com/MimeLyc/docbatch/internal/jobs"
	"github.com/MimeLyc/docbatch/internal/metrics"
	"github.com/MimeLyc/docbatch/internal/persistence"
	"github.com/MimeLyc/docbatch/internal/processors"
	"github.com/MimeLyc/docbatch/internal/service"
	"github.com/MimeLyc/docbatch/pkg/log"
)

const shutdownTimeout = 30 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// jobStore is a store that can also be health-checked and closed.
type jobStore interface {
	jobs.Store
	Ping(ctx context.Context) error
	Close() error
}

type memoryStore struct {
	*jobs.MemoryStore
}

func (memoryStore) Ping(context.Context) error { return nil }
func (memoryStore) Close() error               { return nil }

func main() {
	if err := run(); err != nil {
		log.Fatal("docbatchd: %v", err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to load .env: %v", err)
	}

	var opts []config.Option
	settingsPath := config.RuntimeSettingsFilePath()
	if settings, err := config.LoadRuntimeSettingsFile(settingsPath); err == nil {
		opts = append(opts, config.WithRuntimeSettings(settings))
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("Ignoring runtime settings %s: %v", settingsPath, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Failed to close store: %v", err)
		}
	}()

	registry := processors.Default(processors.Options{Timeout: cfg.Engine.ProcessorTimeout()})

	var maintenance *service.MaintenanceService
	engine := jobs.NewEngine(jobs.Config{
		MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs,
		MaxRetries:        cfg.Engine.MaxRetries,
		DispatchInterval:  cfg.Engine.DispatchInterval(),
		MaxFilesPerJob:    cfg.Engine.MaxFilesPerJob,
		ResultSizeLimit:   cfg.Engine.ResultSizeLimit,
		EventBuffer:       cfg.Engine.EventBuffer,
	}, store, registry,
		jobs.WithNextCleanup(func() *time.Time {
			return maintenance.NextCleanup()
		}),
		jobs.WithLastCleanup(func() *time.Time {
			return maintenance.LastSweep()
		}),
	)
	cronEngine := cron.New()
	maintenance = service.NewMaintenanceService(*cfg, cronEngine, engine)

	collector := metrics.New()
	detach := collector.Attach(engine)
	defer detach()

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	log.Info("Recovered %d queued jobs", recovered)
	engine.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			log.Warn("Engine did not stop cleanly: %v", err)
		}
	}()

	httpOpts := []httpapi.Option{
		httpapi.WithRuntimeSettingsApplier(maintenance.ApplyRuntimeSettings),
		httpapi.WithHealthCheck(store.Ping),
		httpapi.WithMetricsHandler(collector.Handler()),
	}
	if settingsStore, err := config.NewRuntimeSettingsStore(settingsPath, cfg.RuntimeSettings()); err == nil {
		httpOpts = append(httpOpts, httpapi.WithRuntimeSettingsStore(settingsStore))
	} else {
		log.Warn("Runtime settings API disabled: %v", err)
	}
	httpSrv := httpapi.NewServer(engine, httpOpts...)

	return runWithComponents(ctx, cfg, maintenance, cronEngine, httpSrv)
}

func openStore(ctx context.Context, cfg *config.Config) (jobStore, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		store, err := persistence.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("Using SQLite store at %s", cfg.DBPath())
		return store, nil
	case config.DriverRedis:
		store, err := persistence.NewRedisStoreFromURL(ctx, cfg.Store.RedisURL, cfg.Store.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Info("Using Redis store with prefix %q", cfg.Store.RedisPrefix)
		return store, nil
	case config.DriverMemory:
		log.Warn("Using in-memory store; jobs are lost on restart")
		return memoryStore{jobs.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// runWithComponents schedules maintenance, starts cron and serves HTTP until
// ctx is done or the server fails.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	sched scheduler,
	cronEngine cronRunner,
	httpSrv httpServer,
) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down HTTP server")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
