package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/domain/core/valueobjects"
)

func TestSyncEvent_EncodeDecode(t *testing.T) {
	src, dst := valueobjects.NewMemoryID(), valueobjects.NewMemoryID()

	tests := []struct {
		name  string
		event SyncEvent
	}{
		{"add", NewAddEvent("tab-a", src, 1)},
		{"update", NewUpdateEvent("tab-a", src, 4, 0.3, 0.7)},
		{"connect", NewConnectEvent("tab-a", src, dst, 2, 3)},
		{"remove", NewRemoveEvent("tab-a", src)},
		{"heartbeat", NewHeartbeatEvent("tab-a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.event.Encode()
			require.NoError(t, err)

			decoded, err := DecodeSyncEvent(data)
			require.NoError(t, err)
			assert.Equal(t, tt.event.EventID, decoded.EventID)
			assert.Equal(t, tt.event.Type, decoded.Type)
			assert.Equal(t, tt.event.Origin, decoded.Origin)
			assert.True(t, tt.event.Timestamp.Equal(decoded.Timestamp))
			assert.Equal(t, tt.event.Payload, decoded.Payload)
		})
	}
}

func TestSyncEvent_Validate(t *testing.T) {
	id := valueobjects.NewMemoryID()

	bad := []SyncEvent{
		{Type: EventTypeAdd, Origin: "a"},
		{Type: EventTypeUpdate, Origin: "a", Payload: Payload{MemoryID: id}},
		{Type: EventTypeConnect, Origin: "a", Payload: Payload{SourceID: id}},
		{Type: EventTypeRemove, Origin: "a"},
		{Type: "rename", Origin: "a"},
		{Type: EventTypeHeartbeat},
	}
	for _, e := range bad {
		assert.Error(t, e.Validate(), "type %s", e.Type)
	}

	_, err := DecodeSyncEvent([]byte(`{"type":"update","originInstanceId":"a","payload":{"memoryId":"bogus"}}`))
	assert.Error(t, err)
}

func TestSyncEvent_CoalesceKey(t *testing.T) {
	id := valueobjects.NewMemoryID()

	key, ok := NewUpdateEvent("a", id, 2, 1, 1).CoalesceKey()
	assert.True(t, ok)
	assert.Equal(t, id.String(), key)

	_, ok = NewAddEvent("a", id, 1).CoalesceKey()
	assert.False(t, ok)
	assert.True(t, EventTypeLeave.IsControl())
	assert.False(t, EventTypeRemove.IsControl())
}
