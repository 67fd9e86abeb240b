package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"echocog/application/ports"
	"echocog/domain/events"
)

var errBusDown = errors.New("bus down")

// loopbackBus delivers every published event synchronously to every
// subscriber, optionally failing the first n publishes
type loopbackBus struct {
	mu        sync.Mutex
	published []events.SyncEvent
	calls     int
	failFirst int
	delay     time.Duration
	handlers  map[int]ports.EventHandler
	nextID    int
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[int]ports.EventHandler)}
}

func (b *loopbackBus) Publish(ctx context.Context, e events.SyncEvent) error {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	b.calls++
	if b.calls <= b.failFirst {
		b.mu.Unlock()
		return errBusDown
	}
	b.published = append(b.published, e)
	handlers := make([]ports.EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

func (b *loopbackBus) Subscribe(h ports.EventHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

func (b *loopbackBus) Close() error { return nil }

func (b *loopbackBus) Published() []events.SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.SyncEvent(nil), b.published...)
}

func (b *loopbackBus) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *loopbackBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
