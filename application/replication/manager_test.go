package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"echocog/domain/config"
	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

func startManager(t *testing.T, id string, store RemoteApplier, bus *loopbackBus, mutate func(*config.SyncConfig)) *Manager {
	t.Helper()
	cfg := testSyncConfig()
	cfg.EventDebounce = time.Hour
	cfg.DebounceMaxWait = time.Hour
	cfg.DrainInterval = time.Hour
	cfg.HeartbeatInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(id, store, bus, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManager_EmitFlushReachesSibling(t *testing.T) {
	ctx := context.Background()
	bus := newLoopbackBus()
	id := valueobjects.NewMemoryID()

	storeA := new(mockApplier)
	storeB := new(mockApplier)
	storeB.On("ApplyRemoteVersion", mock.Anything, id, mock.Anything, 3).Return(true, nil).Once()

	a := startManager(t, "tab-a", storeA, bus, nil)
	b := startManager(t, "tab-b", storeB, bus, nil)

	a.Emit(events.NewUpdateEvent("tab-a", id, 2, 0.9, 0.5))
	a.Emit(events.NewUpdateEvent("tab-a", id, 3, 0.8, 0.5))
	assert.Equal(t, 1, a.Pending())

	require.NoError(t, a.Flush(ctx))
	assert.Zero(t, a.QueueLen())
	assert.Len(t, bus.Published(), 1)

	storeA.AssertNotCalled(t, "ApplyRemoteVersion", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	storeB.AssertExpectations(t)
	assert.True(t, b.Registry().IsAlive("tab-a"))
}

func TestManager_QueueOverflowDropsNewest(t *testing.T) {
	bus := newLoopbackBus()
	m := startManager(t, "tab-a", new(mockApplier), bus, func(c *config.SyncConfig) {
		c.MaxQueueSize = 2
		c.EventDebounce = 0
	})

	for i := 0; i < 3; i++ {
		m.Emit(events.NewRemoveEvent("tab-a", valueobjects.NewMemoryID()))
	}
	assert.Equal(t, 2, m.QueueLen())
	assert.Equal(t, int64(1), m.Dropped())
}

func TestManager_CloseAnnouncesLeaveAndDiscards(t *testing.T) {
	ctx := context.Background()
	bus := newLoopbackBus()
	a := startManager(t, "tab-a", new(mockApplier), bus, nil)
	b := startManager(t, "tab-b", new(mockApplier), bus, nil)

	b.Handle(ctx, events.NewHeartbeatEvent("tab-a"))
	require.True(t, b.Registry().IsAlive("tab-a"))

	a.Emit(events.NewRemoveEvent("tab-a", valueobjects.NewMemoryID()))
	statusCh, _ := a.Status().Subscribe()
	<-statusCh

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	published := bus.Published()
	require.Len(t, published, 1, "pending remove is discarded, only leave goes out")
	assert.Equal(t, events.EventTypeLeave, published[0].Type)
	assert.False(t, b.Registry().IsAlive("tab-a"))
	assert.Equal(t, 1, bus.Subscribers())

	_, open := <-statusCh
	assert.False(t, open)
}

func TestManager_HeartbeatLoop(t *testing.T) {
	bus := newLoopbackBus()
	startManager(t, "tab-a", new(mockApplier), bus, func(c *config.SyncConfig) {
		c.HeartbeatInterval = 5 * time.Millisecond
	})
	b := startManager(t, "tab-b", new(mockApplier), bus, nil)

	assert.Eventually(t, func() bool { return b.Registry().IsAlive("tab-a") }, time.Second, 5*time.Millisecond)
}

func TestManager_FlushTimesOut(t *testing.T) {
	bus := newLoopbackBus()
	m := startManager(t, "tab-a", new(mockApplier), bus, nil)
	m.Emit(events.NewRemoveEvent("tab-a", valueobjects.NewMemoryID()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Flush(ctx)
	assert.True(t, pkgerrors.IsTimeout(err))
	assert.Equal(t, 1, m.QueueLen(), "undrained events stay queued")
	assert.Empty(t, bus.Published())
}
