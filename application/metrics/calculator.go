// Package metrics derives system level figures from a set of memories.
package metrics

import (
	"fmt"
	"math"
	"time"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
)

// SystemMetrics is one snapshot of the memory graph
type SystemMetrics struct {
	MemoryCount            int                             `json:"memoryCount"`
	AverageEnergy          float64                         `json:"averageEnergy"`
	ActiveConnections      float64                         `json:"activeConnections"`
	SystemLoad             float64                         `json:"systemLoad"`
	LoadLevel              LoadLevel                       `json:"loadLevel"`
	MemoryTypeDistribution map[valueobjects.MemoryType]int `json:"memoryTypeDistribution"`
	RecentChanges          int                             `json:"recentChanges"`
	Timestamp              time.Time                       `json:"timestamp"`
}

type LoadLevel string

const (
	LoadLow    LoadLevel = "low"
	LoadMedium LoadLevel = "medium"
	LoadHigh   LoadLevel = "high"
)

// Settings tunes the calculator. The zero value is not useful; start from
// DefaultSettings.
type Settings struct {
	EnergyWeight     float64
	ResonanceWeight  float64
	MemoryWeight     float64
	ConnectionWeight float64

	// MemoryNormalization is the memory count treated as full load; the
	// connection count for full load is five times that
	MemoryNormalization float64
	RecentWindow        time.Duration

	MediumLoad float64
	HighLoad   float64
}

func DefaultSettings() Settings {
	return Settings{
		EnergyWeight:        0.6,
		ResonanceWeight:     0.4,
		MemoryWeight:        0.3,
		ConnectionWeight:    0.7,
		MemoryNormalization: 100,
		RecentWindow:        5 * time.Second,
		MediumLoad:          0.5,
		HighLoad:            0.8,
	}
}

type Calculator struct {
	settings Settings
	now      func() time.Time
}

func NewCalculator(settings Settings) *Calculator {
	return &Calculator{settings: settings, now: time.Now}
}

// Calculate summarizes memories at the current time
func (c *Calculator) Calculate(memories []*entities.Memory) SystemMetrics {
	now := c.now()
	connections := activeConnections(memories)
	load := c.systemLoad(len(memories), connections)

	return SystemMetrics{
		MemoryCount:            len(memories),
		AverageEnergy:          c.averageEnergy(memories),
		ActiveConnections:      connections,
		SystemLoad:             load,
		LoadLevel:              c.Level(load),
		MemoryTypeDistribution: typeDistribution(memories),
		RecentChanges:          c.recentChanges(memories, now),
		Timestamp:              now.UTC(),
	}
}

// averageEnergy blends energy and resonance per memory before averaging
func (c *Calculator) averageEnergy(memories []*entities.Memory) float64 {
	if len(memories) == 0 {
		return 0
	}
	var total float64
	for _, m := range memories {
		total += m.Energy()*c.settings.EnergyWeight + m.Resonance()*c.settings.ResonanceWeight
	}
	return total / float64(len(memories))
}

// activeConnections counts each undirected edge once
func activeConnections(memories []*entities.Memory) float64 {
	var ends int
	for _, m := range memories {
		ends += m.ConnectionCount()
	}
	return float64(ends) / 2
}

func (c *Calculator) systemLoad(count int, connections float64) float64 {
	norm := c.settings.MemoryNormalization
	if norm <= 0 {
		return 0
	}
	memoryFactor := float64(count) / norm
	connectionFactor := connections / (norm * 5)
	load := memoryFactor*c.settings.MemoryWeight + connectionFactor*c.settings.ConnectionWeight
	return math.Min(1, load)
}

// Level buckets a load value
func (c *Calculator) Level(load float64) LoadLevel {
	switch {
	case load >= c.settings.HighLoad:
		return LoadHigh
	case load >= c.settings.MediumLoad:
		return LoadMedium
	default:
		return LoadLow
	}
}

func typeDistribution(memories []*entities.Memory) map[valueobjects.MemoryType]int {
	dist := make(map[valueobjects.MemoryType]int)
	for _, m := range memories {
		dist[m.Type()]++
	}
	return dist
}

// recentChanges counts memories created within the recent window
func (c *Calculator) recentChanges(memories []*entities.Memory, now time.Time) int {
	n := 0
	for _, m := range memories {
		if now.Sub(m.Timestamp()) < c.settings.RecentWindow {
			n++
		}
	}
	return n
}

// EnergyDistribution buckets energy into bins of width 0.1 labelled by their
// lower bound ("0.0" to "1.0")
func EnergyDistribution(memories []*entities.Memory) map[string]int {
	return histogram(memories, (*entities.Memory).Energy)
}

// ResonanceDistribution is EnergyDistribution for resonance
func ResonanceDistribution(memories []*entities.Memory) map[string]int {
	return histogram(memories, (*entities.Memory).Resonance)
}

func histogram(memories []*entities.Memory, value func(*entities.Memory) float64) map[string]int {
	bins := make(map[string]int)
	for _, m := range memories {
		bin := math.Floor(value(m)*10) / 10
		bins[fmt.Sprintf("%.1f", bin)]++
	}
	return bins
}

// AccessPatterns counts memories by whole hours since their last access.
// Memories never accessed are left out.
func AccessPatterns(memories []*entities.Memory, now time.Time) map[int]int {
	patterns := make(map[int]int)
	for _, m := range memories {
		last := m.LastAccessed()
		if last == nil {
			continue
		}
		patterns[int(now.Sub(*last)/time.Hour)]++
	}
	return patterns
}
