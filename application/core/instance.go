// Package core is the facade collaborators use: one Instance per
// participant, all of them sharing a repository and a broadcast channel.
package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"echocog/application/metrics"
	"echocog/application/ports"
	"echocog/application/replication"
	"echocog/application/services"
	"echocog/domain/config"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

// Instance is one participant: a private cache over the shared repository
// plus its side of replication. Local mutations and inbound events are
// serialized on one lock, so an instance never observes itself
// half-updated.
type Instance struct {
	id      string
	mu      sync.Mutex
	store   *services.MemoryStore
	manager *replication.Manager
	bus     ports.EventBus
	calc    *metrics.Calculator
	logger  *zap.Logger
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

type Options struct {
	Config     *config.DomainConfig
	Logger     *zap.Logger
	Metrics    replication.Metrics
	Calculator *metrics.Calculator
	Tracer     trace.Tracer
}

// NewInstance wires an instance. It does nothing on the bus until Start.
func NewInstance(id string, repo ports.MemoryRepository, bus ports.EventBus, opts Options) *Instance {
	if opts.Config == nil {
		opts.Config = config.DefaultDomainConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = replication.NopMetrics()
	}
	if opts.Calculator == nil {
		opts.Calculator = metrics.NewCalculator(metrics.DefaultSettings())
	}
	logger := opts.Logger.With(zap.String("instanceID", id))

	inst := &Instance{
		id:     id,
		store:  services.NewMemoryStore(repo, opts.Config, logger),
		bus:    bus,
		calc:   opts.Calculator,
		logger: logger,
	}
	managerOpts := []replication.ManagerOption{
		replication.WithLocker(&inst.mu),
		replication.WithMetrics(opts.Metrics),
		replication.WithLogger(opts.Logger),
	}
	if opts.Tracer != nil {
		managerOpts = append(managerOpts, replication.WithTracer(opts.Tracer))
	}
	inst.manager = replication.NewManager(id, inst.store, bus, opts.Config.Sync, managerOpts...)
	return inst
}

// Start joins the broadcast channel and starts the replication loops
func (i *Instance) Start(ctx context.Context) error {
	return i.manager.Start(ctx)
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) lock() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return pkgerrors.NewUnavailableError("instance " + i.id)
	}
	return nil
}

// CreateMemory validates and stores a new memory, then announces it
func (i *Instance) CreateMemory(ctx context.Context, memType valueobjects.MemoryType, content string, tags []string) (*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()

	m, err := i.store.Create(ctx, memType, content, tags)
	if err != nil {
		return nil, err
	}
	i.manager.Emit(events.NewAddEvent(i.id, m.ID(), m.Version()))
	return m, nil
}

// ConnectMemories links two memories in both directions. Connecting an
// already connected pair changes nothing and emits nothing.
func (i *Instance) ConnectMemories(ctx context.Context, sourceID, targetID valueobjects.MemoryID) error {
	if err := i.lock(); err != nil {
		return err
	}
	defer i.mu.Unlock()

	src, tgt, changed, err := i.store.Connect(ctx, sourceID, targetID)
	if err != nil {
		return err
	}
	if changed {
		i.manager.Emit(events.NewConnectEvent(i.id, src.ID(), tgt.ID(), src.Version(), tgt.Version()))
	}
	return nil
}

// UpdateMemoryEnergy adds delta to the energy, clamped to [0, 1]
func (i *Instance) UpdateMemoryEnergy(ctx context.Context, id valueobjects.MemoryID, delta float64) (*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()

	m, err := i.store.UpdateEnergy(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	i.emitUpdate(m)
	return m, nil
}

// UpdateMemoryResonance recomputes resonance against the context tags
func (i *Instance) UpdateMemoryResonance(ctx context.Context, id valueobjects.MemoryID, contextTags []string) (*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()

	m, err := i.store.UpdateResonance(ctx, id, contextTags)
	if err != nil {
		return nil, err
	}
	i.emitUpdate(m)
	return m, nil
}

func (i *Instance) emitUpdate(m *entities.Memory) {
	i.manager.Emit(events.NewUpdateEvent(i.id, m.ID(), m.Version(), m.Energy(), m.Resonance()))
}

// RemoveMemory deletes the memory and strips it from every peer
func (i *Instance) RemoveMemory(ctx context.Context, id valueobjects.MemoryID) error {
	if err := i.lock(); err != nil {
		return err
	}
	defer i.mu.Unlock()

	if _, err := i.store.Remove(ctx, id); err != nil {
		return err
	}
	i.manager.Emit(events.NewRemoveEvent(i.id, id))
	return nil
}

// GetMemory returns the memory, or nil when it does not exist
func (i *Instance) GetMemory(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.Get(ctx, id)
}

// SearchMemories matches query against content and tags, ignoring case.
// A nil memType searches every type.
func (i *Instance) SearchMemories(ctx context.Context, query string, memType *valueobjects.MemoryType) ([]*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.Search(ctx, query, memType)
}

// ListByTag returns every memory carrying tag
func (i *Instance) ListByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.ListByTag(ctx, tag)
}

// ListByType returns every memory of memType
func (i *Instance) ListByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.ListByType(ctx, memType)
}

func (i *Instance) AllMemories(ctx context.Context) ([]*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.All(ctx)
}

// RecentMemories returns up to limit memories, newest first
func (i *Instance) RecentMemories(ctx context.Context, limit int) ([]*entities.Memory, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.store.Recent(ctx, limit)
}

// SyncStatus subscribes to replication health. The channel receives the
// current value first; call cancel to stop receiving.
func (i *Instance) SyncStatus() (<-chan replication.Status, func()) {
	return i.manager.Status().Subscribe()
}

// RegisterInstance marks a sibling as alive
func (i *Instance) RegisterInstance(id string) {
	i.manager.Registry().Register(id)
}

func (i *Instance) UnregisterInstance(id string) {
	i.manager.Registry().Unregister(id)
}

// Siblings lists the live instances this one knows about, itself included
func (i *Instance) Siblings() []string {
	return i.manager.Registry().Alive()
}

// Metrics summarizes the shared memory graph
func (i *Instance) Metrics(ctx context.Context) (metrics.SystemMetrics, error) {
	if err := i.lock(); err != nil {
		return metrics.SystemMetrics{}, err
	}
	defer i.mu.Unlock()

	all, err := i.store.All(ctx)
	if err != nil {
		return metrics.SystemMetrics{}, err
	}
	return i.calc.Calculate(all), nil
}

// ClearCache drops the private cache; later reads go to the repository
func (i *Instance) ClearCache() {
	i.store.ClearCache()
}

// Flush publishes everything waiting in the debounce window and the queue
func (i *Instance) Flush(ctx context.Context) error {
	return i.manager.Flush(ctx)
}

// Close leaves the broadcast channel and stops every background loop.
// Unsent events are discarded. Later calls return the first result.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		i.mu.Unlock()

		// the manager waits for in-flight handlers, which take i.mu
		if err := i.manager.Close(ctx); err != nil {
			i.closeErr = err
		}
		if err := i.bus.Close(); err != nil && i.closeErr == nil {
			i.closeErr = err
		}
		i.logger.Info("Instance closed")
	})
	return i.closeErr
}
