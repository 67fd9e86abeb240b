package replication

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/config"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

// Manager owns one instance's side of replication: the outbound debounce
// window and queue, the drain loop, the heartbeat loop, the bus subscription
// and the resolver for inbound events.
type Manager struct {
	self   string
	cfg    config.SyncConfig
	bus    ports.EventBus
	lock   sync.Locker
	logger *zap.Logger

	metrics   Metrics
	registry  *Registry
	status    *StatusFeed
	queue     *Queue
	debouncer *Debouncer
	processor *Processor
	resolver  *Resolver

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	stopBeat    context.CancelFunc
	beatDone    chan struct{}
	closeOnce   sync.Once
}

type ManagerOption func(*managerOptions)

type managerOptions struct {
	metrics Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	lock    sync.Locker
	clock   func() time.Time
}

func WithMetrics(m Metrics) ManagerOption {
	return func(o *managerOptions) { o.metrics = m }
}

// WithTracer records a span for every inbound event applied
func WithTracer(t trace.Tracer) ManagerOption {
	return func(o *managerOptions) { o.tracer = t }
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithLocker serializes inbound event handling with the caller's own
// mutations
func WithLocker(l sync.Locker) ManagerOption {
	return func(o *managerOptions) { o.lock = l }
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.clock = now }
}

func NewManager(self string, store RemoteApplier, bus ports.EventBus, cfg config.SyncConfig, opts ...ManagerOption) *Manager {
	o := managerOptions{
		metrics: NopMetrics(),
		logger:  zap.NewNop(),
		lock:    &sync.Mutex{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("instanceID", self))

	m := &Manager{
		self:     self,
		cfg:      cfg,
		bus:      bus,
		lock:     o.lock,
		logger:   logger,
		metrics:  o.metrics,
		registry: NewRegistry(cfg.InstanceTimeout, WithClock(o.clock), WithRegistryLogger(logger)),
		status:   NewStatusFeed(),
		queue:    NewQueue(cfg.MaxQueueSize),
	}
	m.debouncer = NewDebouncer(cfg.EventDebounce, cfg.DebounceMaxWait, m.enqueue)
	m.processor = NewProcessor(self, m.queue, bus, cfg, m.status,
		WithProcessorMetrics(o.metrics),
		WithProcessorLogger(logger),
	)
	resolverOpts := []ResolverOption{
		WithResolverMetrics(o.metrics),
		WithResolverLogger(logger),
		WithResolverClock(o.clock),
	}
	if o.tracer != nil {
		resolverOpts = append(resolverOpts, WithResolverTracer(o.tracer))
	}
	m.resolver = NewResolver(self, store, m.registry, m.status, cfg.InstanceTimeout, resolverOpts...)
	return m
}

// Start registers the instance, subscribes to the bus and starts the
// background loops
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.registry.Register(m.self)
	unsubscribe, err := m.bus.Subscribe(m.handle)
	if err != nil {
		m.registry.Unregister(m.self)
		return pkgerrors.Wrap(err, "subscribe to sync bus")
	}
	m.unsubscribe = unsubscribe
	m.processor.Start(ctx)

	beatCtx, cancel := context.WithCancel(ctx)
	m.stopBeat = cancel
	m.beatDone = make(chan struct{})
	go m.heartbeatLoop(beatCtx, m.beatDone)

	m.started = true
	m.logger.Info("Replication started",
		zap.Duration("drainInterval", m.cfg.DrainInterval),
		zap.Duration("heartbeatInterval", m.cfg.HeartbeatInterval),
	)
	return nil
}

func (m *Manager) handle(ctx context.Context, e events.SyncEvent) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.resolver.Handle(ctx, e)
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.registry.Heartbeat(m.self)
			if err := m.bus.Publish(ctx, events.NewHeartbeatEvent(m.self)); err != nil {
				m.logger.Debug("Heartbeat publish failed", zap.Error(err))
			}
			m.registry.PruneExpired(now)
		}
	}
}

// Emit schedules a locally produced event for broadcast
func (m *Manager) Emit(e events.SyncEvent) {
	m.debouncer.Add(e)
}

func (m *Manager) enqueue(batch []events.SyncEvent) {
	for _, e := range batch {
		if !m.queue.Enqueue(e) {
			m.metrics.EventDropped("queue_full")
			m.logger.Warn("Sync queue full, dropping event",
				zap.String("eventID", e.EventID),
				zap.String("type", string(e.Type)),
				zap.Int("maxQueueSize", m.cfg.MaxQueueSize),
			)
			continue
		}
		m.metrics.EventEnqueued(string(e.Type))
	}
	m.metrics.QueueDepth(m.queue.Len())
}

// Flush pushes held events into the queue and drains it until empty
func (m *Manager) Flush(ctx context.Context) error {
	m.debouncer.Flush()
	for m.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return pkgerrors.NewTimeoutError("flush sync queue").WithCause(err)
		}
		m.processor.DrainOnce(ctx)
	}
	return nil
}

// Handle applies one inbound event directly, bypassing the bus
func (m *Manager) Handle(ctx context.Context, e events.SyncEvent) Outcome {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.resolver.Handle(ctx, e)
}

func (m *Manager) Registry() *Registry { return m.registry }
func (m *Manager) Status() *StatusFeed { return m.status }
func (m *Manager) Processor() *Processor { return m.processor }
func (m *Manager) QueueLen() int { return m.queue.Len() }
func (m *Manager) Pending() int { return m.debouncer.Pending() }
func (m *Manager) Dropped() int64 { return m.queue.Dropped() }

// Close stops every loop, discards unsent events, announces the departure
// and releases the bus subscription. It is safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		stopBeat, beatDone, unsubscribe := m.stopBeat, m.beatDone, m.unsubscribe
		m.started = false
		m.mu.Unlock()

		if stopBeat != nil {
			stopBeat()
			<-beatDone
		}
		held := m.debouncer.Stop()
		m.processor.Stop()
		queued := m.queue.Clear()
		if held+queued > 0 {
			m.logger.Info("Discarding unsent sync events",
				zap.Int("debounced", held),
				zap.Int("queued", queued),
			)
		}

		if started {
			if perr := m.bus.Publish(ctx, events.NewLeaveEvent(m.self)); perr != nil {
				m.logger.Debug("Leave publish failed", zap.Error(perr))
			}
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		m.registry.Unregister(m.self)
		m.status.Close()
		m.logger.Info("Replication stopped")
	})
	return nil
}
