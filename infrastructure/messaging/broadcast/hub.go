// Package broadcast is an in-process, same-origin publish/subscribe channel.
// Every endpoint on a hub sees what every other endpoint publishes, never its
// own messages. Events travel encoded, so receivers never share memory with
// the sender.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

const DefaultInboxSize = 256

// Hub connects endpoints that share an origin
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
	inboxSize int
	logger    *zap.Logger
	dropped   atomic.Int64
	delivered atomic.Int64
	onDrop    func(receiver string)
}

type Option func(*Hub)

func WithInboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithDropHook is called with the receiver name whenever a full inbox
// forces a message to be dropped
func WithDropHook(fn func(receiver string)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		endpoints: make(map[*Endpoint]struct{}),
		inboxSize: DefaultInboxSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint opens a new endpoint on the hub. name only labels logs.
func (h *Hub) Endpoint(name string) *Endpoint {
	e := &Endpoint{hub: h, name: name}
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Dropped counts messages lost to full inboxes
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Delivered counts messages handed to an inbox
func (h *Hub) Delivered() int64 { return h.delivered.Load() }

// Len is the number of open endpoints
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) remove(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *Endpoint, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for e := range h.endpoints {
		if e == from {
			continue
		}
		listening, accepted := e.offer(data)
		if !listening {
			continue
		}
		if accepted {
			h.delivered.Add(1)
			continue
		}
		h.dropped.Add(1)
		if h.onDrop != nil {
			h.onDrop(e.name)
		}
		h.logger.Warn("Broadcast inbox full, dropping message",
			zap.String("from", from.name),
			zap.String("to", e.name),
		)
	}
}

// Endpoint is one participant on a hub. It implements ports.EventBus.
type Endpoint struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	inbox  chan []byte
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

var _ ports.EventBus = (*Endpoint)(nil)

// Publish encodes e and offers it to every other subscribed endpoint without
// waiting for delivery
func (e *Endpoint) Publish(_ context.Context, ev events.SyncEvent) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return pkgerrors.NewTransmissionError("broadcast endpoint "+e.name+" is closed", nil)
	}

	data, err := ev.Encode()
	if err != nil {
		return pkgerrors.NewTransmissionError("encode sync event", err)
	}
	e.hub.broadcast(e, data)
	return nil
}

// Subscribe starts delivering incoming events to handler on a dedicated
// goroutine, in arrival order. An endpoint holds at most one subscription.
// The returned function must not be called from inside handler.
func (e *Endpoint) Subscribe(handler ports.EventHandler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, pkgerrors.NewUnavailableError("broadcast endpoint " + e.name)
	}
	if e.inbox != nil {
		return nil, pkgerrors.NewValidationError("endpoint " + e.name + " already has a subscriber")
	}

	inbox := make(chan []byte, e.hub.inboxSize)
	stop := make(chan struct{})
	done := make(chan struct{})
	e.inbox, e.stop, e.done = inbox, stop, done

	go e.receive(inbox, stop, done, handler)

	var once sync.Once
	return func() { once.Do(e.unsubscribe) }, nil
}

func (e *Endpoint) receive(inbox <-chan []byte, stop, done chan struct{}, handler ports.EventHandler) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case data := <-inbox:
			ev, err := events.DecodeSyncEvent(data)
			if err != nil {
				e.hub.logger.Warn("Discarding undecodable broadcast message",
					zap.String("endpoint", e.name),
					zap.Error(err),
				)
				continue
			}
			handler(ctx, ev)
		}
	}
}

func (e *Endpoint) offer(data []byte) (listening, accepted bool) {
	e.mu.Lock()
	inbox := e.inbox
	e.mu.Unlock()
	if inbox == nil {
		return false, false
	}
	select {
	case inbox <- data:
		return true, true
	default:
		return true, false
	}
}

func (e *Endpoint) unsubscribe() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.inbox, e.stop, e.done = nil, nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close unsubscribes and detaches the endpoint from the hub
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	e.hub.remove(e)
	return nil
}

func (e *Endpoint) Name() string { return e.name }
