package replication

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	"echocog/pkg/observability"
)

// RemoteApplier is the store surface the resolver writes through.
// services.MemoryStore implements it.
type RemoteApplier interface {
	ApplyRemoteAdd(ctx context.Context, id valueobjects.MemoryID) error
	ApplyRemoteVersion(ctx context.Context, id valueobjects.MemoryID, update entities.MemoryUpdate, remoteVersion int) (bool, error)
	ApplyRemoteConnect(ctx context.Context, sourceID, targetID valueobjects.MemoryID, sourceVersion, targetVersion int) (bool, error)
	ApplyRemoteRemove(ctx context.Context, id valueobjects.MemoryID) error
}

// Outcome describes what the resolver did with one incoming event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeSelf      Outcome = "self"
	OutcomeExpired   Outcome = "expired"
	OutcomeControl   Outcome = "control"
	OutcomeFailed    Outcome = "failed"
)

// Resolver decides whether an event from a sibling is applied locally
type Resolver struct {
	self     string
	store    RemoteApplier
	registry *Registry
	status   *StatusFeed
	timeout  time.Duration
	metrics  Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

type ResolverOption func(*Resolver)

func WithResolverMetrics(m Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

func WithResolverTracer(t trace.Tracer) ResolverOption {
	return func(r *Resolver) { r.tracer = t }
}

func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(self string, store RemoteApplier, registry *Registry, status *StatusFeed, timeout time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		self:     self,
		store:    store,
		registry: registry,
		status:   status,
		timeout:  timeout,
		metrics:  NopMetrics(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle validates and applies one event. Failures are logged and reflected
// in the status feed; the receiving side never retries.
func (r *Resolver) Handle(ctx context.Context, e events.SyncEvent) Outcome {
	if e.Origin == r.self {
		return OutcomeSelf
	}
	if age := r.now().Sub(e.Timestamp); age > r.timeout {
		r.metrics.EventRejected("expired")
		r.logger.Debug("Ignoring expired sync event",
			zap.String("eventID", e.EventID),
			zap.String("origin", e.Origin),
			zap.Duration("age", age),
		)
		return OutcomeExpired
	}

	switch e.Type {
	case events.EventTypeLeave:
		r.registry.Unregister(e.Origin)
		return OutcomeControl
	case events.EventTypeHeartbeat:
		r.registry.Heartbeat(e.Origin)
		return OutcomeControl
	}
	r.registry.Heartbeat(e.Origin)

	ctx, span := r.tracer.Start(ctx, "sync.apply "+string(e.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			observability.AttrInstanceID.String(r.self),
			observability.AttrEventID.String(e.EventID),
			observability.AttrEventType.String(string(e.Type)),
			observability.AttrEventOrigin.String(e.Origin),
		),
	)
	applied, err := r.apply(ctx, e)
	if applied {
		span.SetAttributes(observability.AttrOutcome.String(string(OutcomeApplied)))
	}
	observability.EndSpan(span, err)
	if err != nil {
		r.metrics.EventRejected("error")
		r.status.Set(false)
		r.logger.Warn("Failed to apply sync event",
			zap.String("eventID", e.EventID),
			zap.String("type", string(e.Type)),
			zap.String("origin", e.Origin),
			zap.Error(err),
		)
		return OutcomeFailed
	}

	r.status.Set(true)
	if !applied {
		r.metrics.EventRejected("stale")
		return OutcomeDiscarded
	}
	r.metrics.EventApplied(string(e.Type))
	return OutcomeApplied
}

func (r *Resolver) apply(ctx context.Context, e events.SyncEvent) (bool, error) {
	p := e.Payload
	switch e.Type {
	case events.EventTypeAdd:
		return true, r.store.ApplyRemoteAdd(ctx, p.MemoryID)
	case events.EventTypeUpdate:
		return r.store.ApplyRemoteVersion(ctx, p.MemoryID, entities.MemoryUpdate{
			Energy:    p.Energy,
			Resonance: p.Resonance,
		}, p.Version)
	case events.EventTypeConnect:
		return r.store.ApplyRemoteConnect(ctx, p.SourceID, p.TargetID, p.SourceVersion, p.TargetVersion)
	case events.EventTypeRemove:
		return true, r.store.ApplyRemoteRemove(ctx, p.MemoryID)
	default:
		return false, e.Validate()
	}
}
