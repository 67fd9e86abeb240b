package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"echocog/application/ports"
	"echocog/domain/config"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

// Processor drains the outbound queue onto the event bus in batches.
// Each event gets a bounded number of publish attempts, paced by a rate
// limiter and guarded by a circuit breaker; an event that exhausts its
// attempts is dropped and replication is reported unhealthy.
type Processor struct {
	queue   *Queue
	bus     ports.EventPublisher
	cfg     config.SyncConfig
	status  *StatusFeed
	metrics Metrics
	logger  *zap.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	sleep   func(context.Context, time.Duration) error

	drainMu sync.Mutex
	stopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type ProcessorOption func(*Processor)

func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithSleep replaces the wait between publish attempts, for tests
func WithSleep(sleep func(context.Context, time.Duration) error) ProcessorOption {
	return func(p *Processor) { p.sleep = sleep }
}

func NewProcessor(name string, queue *Queue, bus ports.EventPublisher, cfg config.SyncConfig, status *StatusFeed, opts ...ProcessorOption) *Processor {
	p := &Processor{
		queue:   queue,
		bus:     bus,
		cfg:     cfg,
		status:  status,
		metrics: NopMetrics(),
		logger:  zap.NewNop(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}

	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	burst := cfg.PublishBurst
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(limit, burst)

	threshold := uint32(cfg.BreakerFailureThreshold)
	logger := p.logger
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-publish-" + name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Publish circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

// Start runs the drain loop until ctx is cancelled or Stop is called.
// A tick that finds a drain already in progress is skipped.
func (p *Processor) Start(ctx context.Context) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !p.drainMu.TryLock() {
					continue
				}
				p.drainLocked(ctx)
				p.drainMu.Unlock()
			}
		}
	}(p.done)
}

// Stop ends the drain loop and waits for an in-flight batch to finish
func (p *Processor) Stop() {
	p.stopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.stopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// DrainOnce publishes at most one batch and returns how many events it took
// off the queue
func (p *Processor) DrainOnce(ctx context.Context) int {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	return p.drainLocked(ctx)
}

// drainLocked publishes one batch. Once taken off the queue a batch runs to
// completion: cancelling ctx does not abandon the events it holds.
func (p *Processor) drainLocked(ctx context.Context) int {
	batch := p.queue.Take(p.cfg.BatchSize)
	defer p.metrics.QueueDepth(p.queue.Len())

	ctx = context.WithoutCancel(ctx)
	for _, e := range batch {
		if err := p.publishWithRetry(ctx, e); err != nil {
			p.metrics.EventFailed(string(e.Type))
			p.status.Set(false)
			p.logger.Error("Dropping sync event after failed publish attempts",
				zap.String("eventID", e.EventID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
			continue
		}
		p.metrics.EventPublished(string(e.Type))
		p.status.Set(true)
	}
	return len(batch)
}

func (p *Processor) publishWithRetry(ctx context.Context, e events.SyncEvent) error {
	attempts := p.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = p.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err = p.breaker.Execute(func() (interface{}, error) {
			return nil, p.bus.Publish(ctx, e)
		})
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		p.metrics.EventRetried(string(e.Type))
		p.logger.Warn("Publish failed, retrying",
			zap.String("eventID", e.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := p.sleep(ctx, p.cfg.RetryDelay); serr != nil {
			return serr
		}
	}
	return pkgerrors.NewTransmissionError(fmt.Sprintf("publish %s failed after %d attempts", e.Type, attempts), err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
