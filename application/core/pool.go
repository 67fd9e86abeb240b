package core

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"echocog/application/metrics"
	"echocog/application/ports"
	"echocog/application/replication"
	"echocog/domain/config"
	pkgerrors "echocog/pkg/errors"
)

// BusFactory opens the broadcast endpoint for a new instance
type BusFactory func(instanceID string) (ports.EventBus, error)

// PoolHooks are optional callbacks fired as instances come and go
type PoolHooks struct {
	// Metrics returns the replication metrics of a new instance
	Metrics func(instanceID string) replication.Metrics
	OnOpen  func(instanceID string)
	OnClose func(instanceID string)
}

// Pool owns every open instance over one shared repository
type Pool struct {
	repo   ports.MemoryRepository
	newBus BusFactory
	cfg    *config.DomainConfig
	calc   *metrics.Calculator
	hooks  PoolHooks
	tracer trace.Tracer
	logger *zap.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

type PoolOption func(*Pool)

// WithTracer gives every instance opened afterwards a tracer for inbound events
func WithTracer(t trace.Tracer) PoolOption {
	return func(p *Pool) { p.tracer = t }
}

func NewPool(repo ports.MemoryRepository, newBus BusFactory, cfg *config.DomainConfig, calc *metrics.Calculator, hooks PoolHooks, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		repo:      repo,
		newBus:    newBus,
		cfg:       cfg,
		calc:      calc,
		hooks:     hooks,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open creates and starts an instance with a fresh id
func (p *Pool) Open(ctx context.Context) (*Instance, error) {
	id := uuid.New().String()

	bus, err := p.newBus(id)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open broadcast endpoint")
	}

	opts := Options{Config: p.cfg, Logger: p.logger, Calculator: p.calc, Tracer: p.tracer}
	if p.hooks.Metrics != nil {
		opts.Metrics = p.hooks.Metrics(id)
	}
	inst := NewInstance(id, p.repo, bus, opts)
	if err := inst.Start(ctx); err != nil {
		_ = bus.Close()
		return nil, err
	}

	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()

	if p.hooks.OnOpen != nil {
		p.hooks.OnOpen(id)
	}
	p.logger.Info("Instance opened", zap.String("instanceID", id))
	return inst, nil
}

// Get returns the open instance with id
func (p *Pool) Get(id string) (*Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inst, ok := p.instances[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("instance " + id)
	}
	return inst, nil
}

// List returns the ids of open instances, sorted
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Close closes and forgets one instance
func (p *Pool) Close(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	delete(p.instances, id)
	p.mu.Unlock()

	if !ok {
		return pkgerrors.NewNotFoundError("instance " + id)
	}
	err := inst.Close(ctx)
	if p.hooks.OnClose != nil {
		p.hooks.OnClose(id)
	}
	return err
}

// CloseAll closes every instance concurrently
func (p *Pool) CloseAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range p.List() {
		g.Go(func() error {
			err := p.Close(gctx, id)
			if pkgerrors.IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
