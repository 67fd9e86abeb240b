package entities

import (
	"time"

	"echocog/domain/core/valueobjects"
)

// MemorySnapshot is the flat, serializable form of a Memory used by
// repositories and the HTTP layer
type MemorySnapshot struct {
	ID           valueobjects.MemoryID   `json:"id"`
	Type         valueobjects.MemoryType `json:"type"`
	Content      string                  `json:"content"`
	Tags         []string                `json:"tags"`
	Energy       float64                 `json:"energy"`
	Resonance    float64                 `json:"resonance"`
	Connections  []valueobjects.MemoryID `json:"connections"`
	Timestamp    time.Time               `json:"timestamp"`
	Version      int                     `json:"version"`
	AccessCount  int                     `json:"accessCount,omitempty"`
	LastAccessed *time.Time              `json:"lastAccessed,omitempty"`
}

// Snapshot returns a copy of the memory state
func (m *Memory) Snapshot() MemorySnapshot {
	return MemorySnapshot{
		ID:           m.id,
		Type:         m.memType,
		Content:      m.content,
		Tags:         m.Tags(),
		Energy:       m.energy,
		Resonance:    m.resonance,
		Connections:  m.Connections(),
		Timestamp:    m.timestamp,
		Version:      m.version,
		AccessCount:  m.accessCount,
		LastAccessed: m.LastAccessed(),
	}
}
