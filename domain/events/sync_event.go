package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"echocog/domain/core/valueobjects"
)

// EventType identifies what a SyncEvent replicates
type EventType string

const (
	EventTypeAdd     EventType = "add"
	EventTypeUpdate  EventType = "update"
	EventTypeConnect EventType = "connect"
	EventTypeRemove  EventType = "remove"

	// Control events keep the instance registry current. They are never
	// applied to the store.
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeLeave     EventType = "leave"
)

// IsControl reports whether the event only carries liveness information
func (t EventType) IsControl() bool {
	return t == EventTypeHeartbeat || t == EventTypeLeave
}

// SyncEvent is the unit of replication broadcast between instances
type SyncEvent struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"type"`
	Origin    string    `json:"originInstanceId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Payload is the union of all event payloads. Only the fields relevant to
// the event type are set.
type Payload struct {
	MemoryID  valueobjects.MemoryID `json:"memoryId,omitzero"`
	Version   int                   `json:"version,omitempty"`
	Energy    *float64              `json:"energy,omitempty"`
	Resonance *float64              `json:"resonance,omitempty"`

	SourceID      valueobjects.MemoryID `json:"sourceId,omitzero"`
	TargetID      valueobjects.MemoryID `json:"targetId,omitzero"`
	SourceVersion int                   `json:"sourceVersion,omitempty"`
	TargetVersion int                   `json:"targetVersion,omitempty"`
}

func newEvent(t EventType, origin string, payload Payload) SyncEvent {
	return SyncEvent{
		EventID:   uuid.New().String(),
		Type:      t,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewAddEvent announces a memory created at version
func NewAddEvent(origin string, id valueobjects.MemoryID, version int) SyncEvent {
	return newEvent(EventTypeAdd, origin, Payload{MemoryID: id, Version: version})
}

// NewUpdateEvent carries the full replicated scalar state of a memory after a
// local mutation
func NewUpdateEvent(origin string, id valueobjects.MemoryID, version int, energy, resonance float64) SyncEvent {
	return newEvent(EventTypeUpdate, origin, Payload{
		MemoryID:  id,
		Version:   version,
		Energy:    &energy,
		Resonance: &resonance,
	})
}

// NewConnectEvent carries the post-mutation versions of both endpoints
func NewConnectEvent(origin string, source, target valueobjects.MemoryID, sourceVersion, targetVersion int) SyncEvent {
	return newEvent(EventTypeConnect, origin, Payload{
		SourceID:      source,
		TargetID:      target,
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
	})
}

func NewRemoveEvent(origin string, id valueobjects.MemoryID) SyncEvent {
	return newEvent(EventTypeRemove, origin, Payload{MemoryID: id})
}

func NewHeartbeatEvent(origin string) SyncEvent {
	return newEvent(EventTypeHeartbeat, origin, Payload{})
}

func NewLeaveEvent(origin string) SyncEvent {
	return newEvent(EventTypeLeave, origin, Payload{})
}

// CoalesceKey identifies events that supersede each other while waiting in
// the debounce window. Only updates coalesce; every other event keeps its
// own slot.
func (e SyncEvent) CoalesceKey() (string, bool) {
	if e.Type != EventTypeUpdate {
		return "", false
	}
	return e.Payload.MemoryID.String(), true
}

// Validate checks the payload has what the event type requires
func (e SyncEvent) Validate() error {
	if e.Origin == "" {
		return fmt.Errorf("event %s has no origin", e.EventID)
	}
	switch e.Type {
	case EventTypeAdd:
		if e.Payload.MemoryID.IsZero() || e.Payload.Version < 1 {
			return fmt.Errorf("add event requires memoryId and version")
		}
	case EventTypeUpdate:
		if e.Payload.MemoryID.IsZero() || e.Payload.Version < 1 {
			return fmt.Errorf("update event requires memoryId and version")
		}
	case EventTypeConnect:
		if e.Payload.SourceID.IsZero() || e.Payload.TargetID.IsZero() {
			return fmt.Errorf("connect event requires sourceId and targetId")
		}
	case EventTypeRemove:
		if e.Payload.MemoryID.IsZero() {
			return fmt.Errorf("remove event requires memoryId")
		}
	case EventTypeHeartbeat, EventTypeLeave:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Encode serializes the event for the bus
func (e SyncEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeSyncEvent parses and validates an event received from the bus
func DecodeSyncEvent(data []byte) (SyncEvent, error) {
	var e SyncEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return SyncEvent{}, fmt.Errorf("decode sync event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return SyncEvent{}, err
	}
	return e, nil
}
