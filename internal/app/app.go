// Package app assembles providers, the registry, failover, replication and
// the HTTP and gRPC health servers from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/devrev/hyperdrive/internal/config"
	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/handler"
	"github.com/devrev/hyperdrive/internal/health"
	"github.com/devrev/hyperdrive/internal/metrics"
	"github.com/devrev/hyperdrive/internal/middleware"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/provider/memory"
	"github.com/devrev/hyperdrive/internal/provider/postgres"
	"github.com/devrev/hyperdrive/internal/provider/redis"
	"github.com/devrev/hyperdrive/internal/provider/sqlite"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/devrev/hyperdrive/internal/service"
	"github.com/devrev/hyperdrive/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const eventBuffer = 256

// App is a fully wired HyperDrive instance
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Registry   *registry.Registry
	Events     *events.Bus
	Metrics    *metrics.Metrics
	Replicator *service.Replicator
	Holons     *service.HolonManager
	Avatars    *service.AvatarManager
	Health     *health.HealthCheck

	prom      *prometheus.Registry
	pool      *workerpool.Pool
	providers []provider.StorageCapability
	sinks     sync.WaitGroup

	httpServer *http.Server
	grpcServer *grpc.Server
	stopOnce   sync.Once
}

// New builds every component and activates the enabled providers. A provider
// that fails to activate stays registered but inactive so an operator can
// activate it later.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		Events: events.NewBus(logger),
		prom:   prometheus.NewRegistry(),
	}
	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.prom)

	hd := cfg.HyperDrive
	a.Registry = registry.New(registry.Options{
		FailureThreshold: hd.FailureThreshold,
		FailureWindow:    hd.FailureWindow,
		Events:           a.Events,
		Logger:           logger,
	})
	if err := a.registerProviders(ctx); err != nil {
		return nil, err
	}
	if err := a.applyRouting(); err != nil {
		return nil, err
	}

	a.pool = workerpool.New(workerpool.Config{
		Name:      "replication",
		Workers:   hd.ReplicationWorkers,
		QueueSize: hd.ReplicationQueueSize,
		Logger:    logger,
	})
	a.prom.MustRegister(metrics.NewPoolCollector(a.pool))
	a.Replicator = service.NewReplicator(a.Registry, a.pool, service.ReplicationOptions{
		MaxConcurrency: hd.MaxReplicationConcurrency,
		RetryBackoff:   hd.ReplicationBackoff,
		AttemptTimeout: hd.AttemptTimeout,
		Events:         a.Events,
		Metrics:        a.Metrics,
		Logger:         logger,
	})
	orchestrator := service.NewOrchestrator(a.Registry, hd.AttemptTimeout, a.Events, a.Metrics, logger)
	a.Holons = service.NewHolonManager(orchestrator, a.Replicator, a.Registry, logger)
	a.Avatars = service.NewAvatarManager(a.Holons, logger)
	a.Health = health.NewHealthCheck(a.Registry, logger)

	a.startSinks()
	return a, nil
}

func (a *App) registerProviders(ctx context.Context) error {
	for _, setting := range a.cfg.EnabledProviders() {
		p := a.buildProvider(setting.ID)
		if err := a.Registry.Register(p, setting.Priority); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", setting.ID, err)
		}
		a.providers = append(a.providers, p)

		actx, cancel := context.WithTimeout(ctx, a.cfg.HyperDrive.AttemptTimeout)
		res := p.Activate(actx)
		cancel()
		if res == nil || res.IsError {
			reason := res.Reason()
			a.logger.Warn("Provider failed to activate",
				zap.String("provider_id", setting.ID.String()),
				zap.String("reason", reason))
			a.Registry.Deactivate(setting.ID, reason)
			continue
		}
		a.logger.Info("Provider registered",
			zap.String("provider_id", setting.ID.String()),
			zap.Int("priority", setting.Priority))
	}
	return nil
}

func (a *App) buildProvider(id model.ProviderID) provider.StorageCapability {
	p := a.cfg.Providers
	switch id {
	case model.ProviderSQLite:
		return sqlite.New(id, p.SQLite.Path, a.logger)
	case model.ProviderPostgres:
		return postgres.New(id, postgres.Config{
			Host:           p.Postgres.Host,
			Port:           p.Postgres.Port,
			Database:       p.Postgres.Database,
			User:           p.Postgres.User,
			Password:       p.Postgres.Password,
			MaxConnections: p.Postgres.MaxConnections,
			MinConnections: p.Postgres.MinConnections,
		}, a.logger)
	case model.ProviderRedis:
		return redis.New(id, redis.Config{
			Host:      p.Redis.Host,
			Port:      p.Redis.Port,
			Password:  p.Redis.Password,
			DB:        p.Redis.DB,
			KeyPrefix: p.Redis.KeyPrefix,
		}, a.logger)
	default:
		return memory.New(id, a.logger)
	}
}

// applyRouting sets the primary and the replica subset. An inactive primary
// is logged and skipped; plans fall back to priority order.
func (a *App) applyRouting() error {
	hd := a.cfg.HyperDrive
	if hd.Primary != "" {
		primary, err := model.ParseProviderID(hd.Primary)
		if err != nil {
			return fmt.Errorf("invalid primary provider: %w", err)
		}
		if err := a.Registry.SetPrimary(primary); err != nil {
			a.logger.Warn("Primary provider not applied",
				zap.String("provider_id", primary.String()),
				zap.Error(err))
		}
	}

	if hd.Replicas != "" {
		replicas := config.ParseProviderList("replicas", hd.Replicas)
		for _, msg := range replicas.InnerMessages {
			a.logger.Warn(msg)
		}
		if len(replicas.Value) > 0 {
			if err := a.Registry.SetReplicaSubset(replicas.Value); err != nil {
				return fmt.Errorf("invalid replica subset: %w", err)
			}
		}
	}
	return nil
}

func (a *App) startSinks() {
	logSub := a.Events.Subscribe(eventBuffer)
	metricSub := a.Events.Subscribe(eventBuffer)
	healthSub := a.Events.Subscribe(eventBuffer)

	a.sinks.Add(3)
	go func() {
		defer a.sinks.Done()
		events.LogSink(logSub, a.logger)
	}()
	go func() {
		defer a.sinks.Done()
		a.Metrics.EventSink(metricSub, a.Registry)
	}()
	go func() {
		defer a.sinks.Done()
		a.Health.Watch(healthSub)
	}()
}

// Handler returns the HTTP surface: CRUD, admin, health and metrics
func (a *App) Handler() http.Handler {
	opts := handler.RouterOptions{
		RequestTimeout: a.cfg.Server.WriteTimeout,
		Metrics:        a.Metrics,
	}
	if a.cfg.RateLimiter.Enabled {
		opts.RateLimiter = middleware.NewRateLimiter(a.cfg.RateLimiter.RequestsPerSecond, a.cfg.RateLimiter.BurstSize, a.logger)
	}
	if a.cfg.Metrics.Enabled {
		opts.MetricsHandler = promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{Registry: a.prom})
		opts.MetricsPath = a.cfg.Metrics.Path
	}

	h := handler.NewHandlers(a.Holons, a.Avatars, a.Registry, a.logger)
	return handler.NewRouter(h, a.Health, opts, a.logger)
}

// Run serves HTTP and gRPC health until ctx is done or a server fails, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	srv := a.cfg.Server
	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", srv.Host, srv.Port),
		Handler:      a.Handler(),
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
		IdleTimeout:  srv.IdleTimeout,
	}

	serverErrors := make(chan error, 2)
	go func() {
		a.logger.Info("Starting HTTP server", zap.String("address", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("http server: %w", err)
		}
	}()

	if srv.GRPCHealthPort != 0 {
		addr := fmt.Sprintf("%s:%d", srv.Host, srv.GRPCHealthPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return fmt.Errorf("failed to create health listener: %w", err)
		}
		a.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpcServer, a.Health.GRPCServer())
		go func() {
			a.logger.Info("Starting gRPC health server", zap.String("address", addr))
			if err := a.grpcServer.Serve(listener); err != nil {
				serverErrors <- fmt.Errorf("grpc health server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down gracefully")
	case runErr = <-serverErrors:
		a.logger.Error("Server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the servers, drains replication, disconnects providers and
// closes the event bus. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.Health.Shutdown()

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if a.grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				a.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				a.logger.Warn("gRPC server stop timeout, forcing shutdown")
				a.grpcServer.Stop()
			}
		}

		timeout := a.cfg.Server.ShutdownTimeout
		if err := a.Replicator.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("replicator: %w", err))
		}
		if err := a.pool.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("replication pool: %w", err))
		}

		for _, p := range a.providers {
			if res := p.Deactivate(ctx); res != nil && res.IsError {
				a.logger.Warn("Provider failed to disconnect",
					zap.String("provider_id", p.ID().String()),
					zap.String("reason", res.Reason()))
			}
		}

		a.Events.Close()
		a.sinks.Wait()
		a.logger.Info("HyperDrive shutdown complete")
	})
	return errors.Join(errs...)
}

// Plan returns the current failover plan and the replicas of its head
func (a *App) Plan() (plan, replicas []model.ProviderID) {
	full := a.Registry.FailoverPlan()
	plan = registry.IDs(full)
	if len(full) > 0 {
		replicas = registry.IDs(a.Registry.ReplicaSet(full[0].ID()))
	}
	return plan, replicas
}
