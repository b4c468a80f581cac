package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenlab/optiq/config"
	"github.com/lumenlab/optiq/internal/adapters/llm"
	"github.com/lumenlab/optiq/internal/data"
	"github.com/lumenlab/optiq/internal/observability/statsd"
	"github.com/lumenlab/optiq/internal/service"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Pool          *service.WorkerPool
	Runs          *service.RunService
	Orchestrator  *service.Orchestrator
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB         *sql.DB
	Redis      redis.UniversalClient
	JobRepo    *data.JobRepo
	RunRepo    *data.RunRepo
	WorkerRepo *data.WorkerRepo
	PromptRepo *data.PromptRepo
	ModelRepo  *data.ModelRepo
	CacheRepo  *data.RedisCacheRepo
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "optiq",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: logger}
	return &serviceRepositories{
		DB:         db,
		Redis:      redisClient,
		JobRepo:    data.NewJobRepo(db, repoCfg),
		RunRepo:    data.NewRunRepo(db, repoCfg),
		WorkerRepo: data.NewWorkerRepo(db, repoCfg),
		PromptRepo: data.NewPromptRepo(db, repoCfg),
		ModelRepo:  data.NewModelRepo(db, repoCfg),
		CacheRepo:  data.NewRedisCacheRepo(redisClient),
	}
}

// NewServices builds the full service graph from configuration and
// infrastructure handles.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	if deps.Config == nil {
		return ServiceContainer{}, errors.New("app config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	observability := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, logger)

	// Prompt and model lookups are read-heavy and immutable within a TTL, so
	// both resolvers sit behind a read-through Redis cache.
	prompts := data.NewCachedPromptStore(data.CachedPromptStoreOptions{
		Store:  repos.PromptRepo,
		Cache:  repos.CacheRepo,
		TTL:    cfg.Cache.ResolverTTL,
		Logger: logger,
	})
	models := data.NewCachedModelRegistry(data.CachedModelRegistryOptions{
		Registry: repos.ModelRepo,
		Cache:    repos.CacheRepo,
		TTL:      cfg.Cache.ResolverTTL,
		Logger:   logger,
	})

	adapter := llm.NewAdapter(llm.AdapterOptions{
		HTTPClient: &http.Client{Timeout: cfg.LLM.RequestTimeout},
		Logger:     logger,
	})

	var sink statsd.Sink
	if observability.MetricsSink != nil {
		sink = observability.MetricsSink
	}

	pool := service.MustNewWorkerPool(service.WorkerPoolOptions{
		Workers:     repos.WorkerRepo,
		Jobs:        repos.JobRepo,
		Prompts:     prompts,
		Models:      models,
		Adapter:     adapter,
		Logger:      logger,
		Metrics:     sink,
		StopTimeout: cfg.WorkerPool.StopTimeout,
	})

	runs := service.MustNewRunService(service.RunServiceOptions{
		Runs:    repos.RunRepo,
		Jobs:    repos.JobRepo,
		Prompts: prompts,
		Models:  models,
		Logger:  logger,
	})

	orchestrator, err := service.NewOrchestrator(service.OrchestratorOptions{
		Runs:                repos.RunRepo,
		Jobs:                repos.JobRepo,
		RunSvc:              runs,
		Logger:              logger,
		Metrics:             sink,
		Interval:            cfg.Orchestrator.Interval,
		EvalResultExpr:      cfg.Orchestrator.EvalResultExpr,
		SuggestedPromptExpr: cfg.Orchestrator.SuggestedPromptExpr,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build orchestrator: %w", err)
	}

	return ServiceContainer{
		Pool:          pool,
		Runs:          runs,
		Orchestrator:  orchestrator,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains everything needed to run services.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a long-running service loop.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(ctx context.Context) error
}

// backgroundServiceHandle tracks a launched background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

// newWorkerPoolBackgroundService reconciles stale worker rows, optionally
// starts the configured auto-start group, and stops all live workers when the
// service context is cancelled.
func newWorkerPoolBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorkerPool,
		name: "worker pool",
		start: func(ctx context.Context) error {
			if deps == nil {
				return nil
			}
			pool := deps.cfg.Services.Pool

			reconciled, err := pool.Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("reconcile workers: %w", err)
			}
			if reconciled > 0 {
				deps.logger.InfoContext(ctx, "reconciled stale workers", "count", reconciled)
			}

			if group := deps.cfg.Config.WorkerPool.AutoStartGroup; group != "" {
				started, startErr := pool.StartGroup(ctx, group)
				if startErr != nil {
					return fmt.Errorf("auto-start worker group %q: %w", group, startErr)
				}
				deps.logger.InfoContext(ctx, "auto-started worker group", "group", group, "count", started)
			}

			<-ctx.Done()

			// Stop with a fresh context; the service context is already cancelled.
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
			defer cancel()
			if stopErr := pool.StopAll(stopCtx); stopErr != nil {
				return fmt.Errorf("stop workers: %w", stopErr)
			}
			return nil
		},
	}
}

func newOrchestratorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeOrchestrator,
		name: "run orchestrator",
		start: func(ctx context.Context) error {
			if deps == nil {
				return nil
			}
			return deps.cfg.Services.Orchestrator.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerPoolBackgroundService(deps),
		newOrchestratorBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
		metricsSink: cfg.Services.Observability.MetricsSink,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	metricsSink *statsd.Client
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish, then releases
// shared observability handles.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.metricsSink != nil {
		if err := cfg.metricsSink.Close(); err != nil {
			cfg.logger.Warn("close metrics sink failed", "error", err)
		}
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
