package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

type inbox struct {
	mu  sync.Mutex
	got []events.SyncEvent
}

func (i *inbox) handle(_ context.Context, e events.SyncEvent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, e)
}

func (i *inbox) events() []events.SyncEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]events.SyncEvent(nil), i.got...)
}

func subscribe(t *testing.T, e *Endpoint) *inbox {
	t.Helper()
	in := &inbox{}
	_, err := e.Subscribe(in.handle)
	require.NoError(t, err)
	return in
}

func TestHub_DeliversToOthersOnly(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b, c := hub.Endpoint("a"), hub.Endpoint("b"), hub.Endpoint("c")
	inA, inB, inC := subscribe(t, a), subscribe(t, b), subscribe(t, c)

	id := valueobjects.NewMemoryID()
	require.NoError(t, a.Publish(ctx, events.NewUpdateEvent("a", id, 2, 0.4, 0.5)))

	assert.Eventually(t, func() bool {
		return len(inB.events()) == 1 && len(inC.events()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, inA.events())

	got := inB.events()[0]
	assert.Equal(t, id, got.Payload.MemoryID)
	require.NotNil(t, got.Payload.Energy)
	assert.Equal(t, 0.4, *got.Payload.Energy)
}

func TestHub_PerPublisherOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	inB := subscribe(t, b)

	var want []string
	for i := 0; i < 100; i++ {
		e := events.NewHeartbeatEvent("a")
		want = append(want, e.EventID)
		require.NoError(t, a.Publish(ctx, e))
	}

	require.Eventually(t, func() bool { return len(inB.events()) == 100 }, time.Second, 5*time.Millisecond)
	var got []string
	for _, e := range inB.events() {
		got = append(got, e.EventID)
	}
	assert.Equal(t, want, got)
}

func TestHub_FullInboxDrops(t *testing.T) {
	ctx := context.Background()
	var dropsFor []string
	hub := NewHub(WithInboxSize(1), WithDropHook(func(r string) { dropsFor = append(dropsFor, r) }))
	a, b := hub.Endpoint("a"), hub.Endpoint("b")

	release := make(chan struct{})
	_, err := b.Subscribe(func(context.Context, events.SyncEvent) { <-release })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Publish(ctx, events.NewHeartbeatEvent("a")))
	}
	close(release)

	assert.Positive(t, hub.Dropped())
	assert.Equal(t, int64(10), hub.Dropped()+hub.Delivered())
	assert.Contains(t, dropsFor, "b")
}

func TestHub_UnsubscribedEndpointsAreSkipped(t *testing.T) {
	hub := NewHub()
	a := hub.Endpoint("a")
	hub.Endpoint("idle")

	require.NoError(t, a.Publish(context.Background(), events.NewHeartbeatEvent("a")))
	assert.Zero(t, hub.Dropped())
	assert.Zero(t, hub.Delivered())
}

func TestEndpoint_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Endpoint("a"), hub.Endpoint("b")

	inB := &inbox{}
	unsubscribe, err := b.Subscribe(inB.handle)
	require.NoError(t, err)

	_, err = b.Subscribe(inB.handle)
	assert.True(t, pkgerrors.IsValidation(err), "one subscription per endpoint")

	unsubscribe()
	unsubscribe()
	require.NoError(t, a.Publish(ctx, events.NewHeartbeatEvent("a")))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, inB.events())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Len())

	_, err = b.Subscribe(inB.handle)
	assert.Error(t, err)
	assert.True(t, pkgerrors.IsTransmission(b.Publish(ctx, events.NewHeartbeatEvent("b"))))
}
