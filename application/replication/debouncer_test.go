package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]events.SyncEvent
}

func (r *batchRecorder) flush(batch []events.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *batchRecorder) all() [][]events.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]events.SyncEvent(nil), r.batches...)
}

func TestDebouncer_CoalescesUpdatesKeepingOrder(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDebouncer(time.Hour, time.Hour, rec.flush)

	a := valueobjects.NewMemoryID()
	b := valueobjects.NewMemoryID()

	d.Add(events.NewAddEvent("tab-1", a, 1))
	d.Add(events.NewUpdateEvent("tab-1", a, 2, 0.9, 0.5))
	d.Add(events.NewConnectEvent("tab-1", a, b, 3, 2))
	d.Add(events.NewUpdateEvent("tab-1", a, 4, 0.8, 0.5))
	d.Add(events.NewUpdateEvent("tab-1", b, 3, 0.7, 0.5))
	assert.Equal(t, 4, d.Pending())

	d.Flush()
	batches := rec.all()
	require.Len(t, batches, 1)

	got := batches[0]
	require.Len(t, got, 4)
	assert.Equal(t, events.EventTypeAdd, got[0].Type)
	assert.Equal(t, events.EventTypeConnect, got[1].Type)
	assert.Equal(t, events.EventTypeUpdate, got[2].Type)
	assert.Equal(t, 4, got[2].Payload.Version)
	assert.Equal(t, b, got[3].Payload.MemoryID)
	assert.Zero(t, d.Pending())
}

func TestDebouncer_FlushesAfterQuietWindow(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDebouncer(20*time.Millisecond, time.Second, rec.flush)

	d.Add(events.NewRemoveEvent("tab-1", valueobjects.NewMemoryID()))
	assert.Empty(t, rec.all())

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_MaxWaitBoundsDelay(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDebouncer(40*time.Millisecond, 60*time.Millisecond, rec.flush)
	id := valueobjects.NewMemoryID()

	start := time.Now()
	stop := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	version := 1
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			version++
			d.Add(events.NewUpdateEvent("tab-1", id, version, 0.5, 0.5))
			if len(rec.all()) > 0 {
				break loop
			}
		}
	}

	require.NotEmpty(t, rec.all(), "continuous edits must still flush")
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestDebouncer_ZeroWindowFlushesImmediately(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDebouncer(0, 0, rec.flush)

	d.Add(events.NewHeartbeatEvent("tab-1"))
	assert.Len(t, rec.all(), 1)
}

func TestDebouncer_StopDiscards(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDebouncer(time.Hour, time.Hour, rec.flush)

	d.Add(events.NewRemoveEvent("tab-1", valueobjects.NewMemoryID()))
	d.Add(events.NewRemoveEvent("tab-1", valueobjects.NewMemoryID()))
	assert.Equal(t, 2, d.Stop())

	d.Add(events.NewRemoveEvent("tab-1", valueobjects.NewMemoryID()))
	d.Flush()
	assert.Empty(t, rec.all())
}
