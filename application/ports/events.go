package ports

import (
	"context"

	"echocog/domain/events"
)

// EventHandler receives events delivered by a bus. Handlers run on the bus
// delivery goroutine; events from one publisher arrive in publish order.
type EventHandler func(ctx context.Context, event events.SyncEvent)

// EventPublisher sends events somewhere without subscribing to anything
type EventPublisher interface {
	Publish(ctx context.Context, event events.SyncEvent) error
}

// EventBus is one instance's endpoint on the broadcast channel shared by all
// instances. Publish is fire-and-forget: the publisher never receives its own
// events and delivery is not guaranteed.
type EventBus interface {
	EventPublisher

	// Subscribe registers the single handler of this endpoint and returns a
	// function that removes it
	Subscribe(handler EventHandler) (func(), error)

	Close() error
}
