package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/events"
	"echocog/infrastructure/messaging/broadcast"
)

type recordingPublisher struct {
	got []events.SyncEvent
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.SyncEvent) error {
	p.got = append(p.got, e)
	return p.err
}

func TestMirrorBus(t *testing.T) {
	hub := broadcast.NewHub()
	primary := hub.Endpoint("a")

	ok := &recordingPublisher{}
	broken := &recordingPublisher{err: errors.New("down")}
	bus := NewMirrorBus(primary, zap.NewNop(), broken, ok)

	e := events.NewHeartbeatEvent("a")
	require.NoError(t, bus.Publish(context.Background(), e), "mirror failures stay local")
	assert.Len(t, broken.got, 1)
	require.Len(t, ok.got, 1)
	assert.Equal(t, e.EventID, ok.got[0].EventID)

	unsubscribe, err := bus.Subscribe(func(context.Context, events.SyncEvent) {})
	require.NoError(t, err)
	unsubscribe()
	require.NoError(t, bus.Close())
	assert.Zero(t, hub.Len())
}

func TestMirrorBus_NoMirrorsReturnsPrimary(t *testing.T) {
	hub := broadcast.NewHub()
	primary := hub.Endpoint("a")

	var bus ports.EventBus = NewMirrorBus(primary, zap.NewNop())
	assert.Same(t, primary, bus)
}
