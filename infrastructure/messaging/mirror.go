package messaging

import (
	"context"

	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/events"
)

// MirrorBus publishes on a primary bus and copies every event to extra
// publishers. Mirror failures are logged and never reach the caller, so a
// slow or broken mirror cannot affect replication.
type MirrorBus struct {
	ports.EventBus
	mirrors []ports.EventPublisher
	logger  *zap.Logger
}

// NewMirrorBus wraps primary. With no mirrors it returns primary unchanged.
func NewMirrorBus(primary ports.EventBus, logger *zap.Logger, mirrors ...ports.EventPublisher) ports.EventBus {
	if len(mirrors) == 0 {
		return primary
	}
	return &MirrorBus{EventBus: primary, mirrors: mirrors, logger: logger}
}

func (b *MirrorBus) Publish(ctx context.Context, e events.SyncEvent) error {
	if err := b.EventBus.Publish(ctx, e); err != nil {
		return err
	}
	for _, m := range b.mirrors {
		if err := m.Publish(ctx, e); err != nil {
			b.logger.Warn("Failed to mirror sync event",
				zap.String("eventID", e.EventID),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
	return nil
}
