package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/google/wire"
	"go.uber.org/zap"

	"echocog/application/core"
	"echocog/application/metrics"
	"echocog/application/ports"
	"echocog/application/replication"
	domainconfig "echocog/domain/config"
	"echocog/infrastructure/config"
	"echocog/infrastructure/messaging"
	"echocog/infrastructure/messaging/broadcast"
	"echocog/infrastructure/messaging/eventbridge"
	"echocog/infrastructure/persistence"
	"echocog/interfaces/http/rest"
	"echocog/pkg/observability"
)

// Version is stamped at build time
var Version = "dev"

// Container holds the wired application
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Collector  *observability.Collector
	Tracing    *observability.TracerProvider
	Repository ports.MemoryRepository
	Hub        *broadcast.Hub
	Pool       *core.Pool
	Monitor    *metrics.Monitor
	Handler    http.Handler
}

// SuperSet is every provider the container needs
var SuperSet = wire.NewSet(
	ObservabilityProviders,
	InfrastructureProviders,
	ApplicationProviders,
	InterfaceProviders,
	wire.Struct(new(Container), "*"),
)

var ObservabilityProviders = wire.NewSet(
	ProvideCollector,
	ProvideTracing,
)

var InfrastructureProviders = wire.NewSet(
	ProvideRepository,
	ProvideHub,
	ProvideMirrors,
	ProvideBusFactory,
)

var ApplicationProviders = wire.NewSet(
	ProvideDomainConfig,
	ProvideCalculator,
	ProvidePool,
	ProvideMonitor,
)

var InterfaceProviders = wire.NewSet(
	ProvideHandler,
)

func ProvideDomainConfig(cfg *config.Config) *domainconfig.DomainConfig {
	return cfg.Domain()
}

func ProvideCollector() *observability.Collector {
	return observability.NewCollector("echocog")
}

// ProvideTracing returns a no-op provider unless tracing is enabled
func ProvideTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*observability.TracerProvider, func(), error) {
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.EnableTracing,
		ServiceName: "echocog",
		Version:     Version,
		Environment: cfg.Environment,
		Endpoint:    cfg.TracingEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	return tp, cleanup, nil
}

func ProvideRepository(ctx context.Context, cfg *config.Config, tp *observability.TracerProvider, collector *observability.Collector, logger *zap.Logger) (ports.MemoryRepository, func(), error) {
	repo, err := persistence.Open(ctx, cfg.Storage, tp.Tracer(), collector, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Repository close failed", zap.Error(err))
		}
	}
	return repo, cleanup, nil
}

// ProvideHub creates the in-process broadcast channel. Inbox overflows are
// counted against the receiving instance.
func ProvideHub(collector *observability.Collector, logger *zap.Logger) *broadcast.Hub {
	return broadcast.NewHub(
		broadcast.WithLogger(logger),
		broadcast.WithDropHook(func(receiver string) {
			collector.Sync(receiver).EventDropped("inbox_full")
		}),
	)
}

// Mirrors are extra publishers every instance copies its events to
type Mirrors []ports.EventPublisher

// ProvideMirrors returns an EventBridge forwarder when a bus name is set
func ProvideMirrors(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Mirrors, error) {
	if cfg.EventBusName == "" {
		return nil, nil
	}
	awsCfg, err := persistence.LoadAWSConfig(ctx, cfg.Storage.AWSRegion)
	if err != nil {
		return nil, err
	}
	client := awseventbridge.NewFromConfig(awsCfg, func(o *awseventbridge.Options) {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	})
	logger.Info("Mirroring sync events to EventBridge", zap.String("eventBus", cfg.EventBusName))
	return Mirrors{eventbridge.NewForwarder(client, cfg.EventBusName, logger)}, nil
}

func ProvideBusFactory(hub *broadcast.Hub, mirrors Mirrors, logger *zap.Logger) core.BusFactory {
	return func(instanceID string) (ports.EventBus, error) {
		return messaging.NewMirrorBus(hub.Endpoint(instanceID), logger, mirrors...), nil
	}
}

func ProvideCalculator() *metrics.Calculator {
	return metrics.NewCalculator(metrics.DefaultSettings())
}

func ProvidePool(repo ports.MemoryRepository, newBus core.BusFactory, cfg *domainconfig.DomainConfig, calc *metrics.Calculator, collector *observability.Collector, tp *observability.TracerProvider, logger *zap.Logger) (*core.Pool, func()) {
	pool := core.NewPool(repo, newBus, cfg, calc, core.PoolHooks{
		Metrics: func(id string) replication.Metrics { return collector.Sync(id) },
		OnOpen:  func(string) { collector.InstancesOpen.Inc() },
		OnClose: func(id string) {
			collector.InstancesOpen.Dec()
			collector.Forget(id)
		},
	}, logger, core.WithTracer(tp.Tracer()))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.CloseAll(ctx); err != nil {
			logger.Warn("Closing instances failed", zap.Error(err))
		}
	}
	return pool, cleanup
}

// ProvideMonitor samples the shared store and mirrors each sample into the
// graph gauges. It is started by the caller.
func ProvideMonitor(cfg *config.Config, calc *metrics.Calculator, repo ports.MemoryRepository, collector *observability.Collector, logger *zap.Logger) *metrics.Monitor {
	return metrics.NewMonitor(calc, repo.List,
		metrics.WithSchedule(cfg.MetricsSchedule),
		metrics.WithLogger(logger),
		metrics.WithObserver(func(s metrics.SystemMetrics) {
			collector.MemoryCount.Set(float64(s.MemoryCount))
			collector.AverageEnergy.Set(s.AverageEnergy)
			collector.ActiveConnections.Set(s.ActiveConnections)
			collector.SystemLoad.Set(s.SystemLoad)
		}),
	)
}

func ProvideHandler(cfg *config.Config, pool *core.Pool, monitor *metrics.Monitor, collector *observability.Collector, logger *zap.Logger) http.Handler {
	if !cfg.EnableMetrics {
		collector = nil
	}
	return rest.NewRouter(pool, monitor, collector, logger, rest.Options{
		EnableCORS:     cfg.EnableCORS,
		AllowedOrigins: cfg.AllowedOrigins,
		Debug:          cfg.IsDevelopment(),
	}).Setup()
}
