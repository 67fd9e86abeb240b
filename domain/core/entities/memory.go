package entities

import (
	"sort"
	"strings"
	"time"

	"echocog/domain/config"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// Memory is a versioned unit of knowledge in the graph.
// Every mutation that must replicate increments the version by exactly one.
type Memory struct {
	id           valueobjects.MemoryID
	memType      valueobjects.MemoryType
	content      string
	tags         []string
	energy       float64
	resonance    float64
	connections  map[valueobjects.MemoryID]struct{}
	timestamp    time.Time
	version      int
	accessCount  int
	lastAccessed *time.Time
}

// MemoryUpdate carries the replicated scalar state of a memory. A nil field is
// left untouched.
type MemoryUpdate struct {
	Energy    *float64 `json:"energy,omitempty"`
	Resonance *float64 `json:"resonance,omitempty"`
}

// NewMemory creates a memory at version 1 with the configured default energy
// and resonance
func NewMemory(memType valueobjects.MemoryType, content string, tags []string, cfg *config.DomainConfig) (*Memory, error) {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if !memType.IsValid() {
		return nil, pkgerrors.NewValidationError("invalid memory type: " + string(memType))
	}
	if strings.TrimSpace(content) == "" {
		return nil, pkgerrors.NewValidationError("content cannot be empty")
	}
	if cfg.MaxContentLength > 0 && len(content) > cfg.MaxContentLength {
		return nil, pkgerrors.NewValidationError("content exceeds maximum length")
	}
	normalized := normalizeTags(tags)
	if cfg.MaxTagsPerMemory > 0 && len(normalized) > cfg.MaxTagsPerMemory {
		return nil, pkgerrors.NewValidationError("too many tags")
	}

	return &Memory{
		id:          valueobjects.NewMemoryID(),
		memType:     memType,
		content:     content,
		tags:        normalized,
		energy:      Clamp(cfg.DefaultEnergy),
		resonance:   Clamp(cfg.DefaultResonance),
		connections: make(map[valueobjects.MemoryID]struct{}),
		timestamp:   time.Now().UTC(),
		version:     1,
	}, nil
}

// ReconstructMemory rebuilds a memory from persisted state without validation
// or version changes
func ReconstructMemory(s MemorySnapshot) *Memory {
	m := &Memory{
		id:          s.ID,
		memType:     s.Type,
		content:     s.Content,
		tags:        normalizeTags(s.Tags),
		energy:      Clamp(s.Energy),
		resonance:   Clamp(s.Resonance),
		connections: make(map[valueobjects.MemoryID]struct{}, len(s.Connections)),
		timestamp:   s.Timestamp,
		version:     s.Version,
		accessCount: s.AccessCount,
	}
	for _, c := range s.Connections {
		m.connections[c] = struct{}{}
	}
	if s.LastAccessed != nil {
		t := *s.LastAccessed
		m.lastAccessed = &t
	}
	return m
}

func (m *Memory) ID() valueobjects.MemoryID { return m.id }
func (m *Memory) Type() valueobjects.MemoryType { return m.memType }
func (m *Memory) Content() string { return m.content }
func (m *Memory) Energy() float64 { return m.energy }
func (m *Memory) Resonance() float64 { return m.resonance }
func (m *Memory) Timestamp() time.Time { return m.timestamp }
func (m *Memory) Version() int { return m.version }
func (m *Memory) AccessCount() int { return m.accessCount }
func (m *Memory) ConnectionCount() int { return len(m.connections) }

// Tags returns a copy of the tag set in sorted order
func (m *Memory) Tags() []string {
	out := make([]string, len(m.tags))
	copy(out, m.tags)
	return out
}

func (m *Memory) LastAccessed() *time.Time {
	if m.lastAccessed == nil {
		return nil
	}
	t := *m.lastAccessed
	return &t
}

// Connections returns the connected ids in a stable order
func (m *Memory) Connections() []valueobjects.MemoryID {
	out := make([]valueobjects.MemoryID, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *Memory) IsConnectedTo(other valueobjects.MemoryID) bool {
	_, ok := m.connections[other]
	return ok
}

func (m *Memory) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range m.tags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

// AdjustEnergy adds delta to the energy, clamps to [0,1] and bumps the version
func (m *Memory) AdjustEnergy(delta float64) {
	m.energy = Clamp(m.energy + delta)
	m.version++
}

// UpdateResonance recomputes resonance against the given context tags and
// bumps the version
func (m *Memory) UpdateResonance(contextTags []string, cfg *config.DomainConfig) {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	m.resonance = CalculateResonance(m.energy, m.tags, contextTags, cfg.ResonanceEnergyWeight, cfg.ResonanceTagWeight)
	m.version++
}

// Connect adds other to the connection set. It returns false and leaves the
// version untouched when the connection already exists.
func (m *Memory) Connect(other valueobjects.MemoryID) (bool, error) {
	if other.Equals(m.id) {
		return false, pkgerrors.NewInvalidConnectionError("memory cannot connect to itself")
	}
	if m.IsConnectedTo(other) {
		return false, nil
	}
	m.connections[other] = struct{}{}
	m.version++
	return true, nil
}

// Disconnect removes other from the connection set, bumping the version when
// something was removed
func (m *Memory) Disconnect(other valueobjects.MemoryID) bool {
	if !m.IsConnectedTo(other) {
		return false
	}
	delete(m.connections, other)
	m.version++
	return true
}

// ApplyRemote overwrites the replicated fields with a newer remote state and
// adopts the remote version. Callers must have checked the version gate.
func (m *Memory) ApplyRemote(update MemoryUpdate, remoteVersion int) {
	if update.Energy != nil {
		m.energy = Clamp(*update.Energy)
	}
	if update.Resonance != nil {
		m.resonance = Clamp(*update.Resonance)
	}
	m.version = remoteVersion
}

// ConnectRemote records a connection replicated from another instance.
// The resulting version is at least remoteVersion and always above the
// current one.
func (m *Memory) ConnectRemote(other valueobjects.MemoryID, remoteVersion int) {
	m.connections[other] = struct{}{}
	next := m.version + 1
	if remoteVersion > next {
		next = remoteVersion
	}
	m.version = next
}

// RecordAccess bumps the access statistics. It does not change the version:
// access stats are local bookkeeping and never replicate.
func (m *Memory) RecordAccess(at time.Time) {
	m.accessCount++
	t := at.UTC()
	m.lastAccessed = &t
}

// Matches reports whether query occurs in the content or any tag, ignoring case
func (m *Memory) Matches(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(m.content), q) {
		return true
	}
	for _, t := range m.tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (m *Memory) Clone() *Memory {
	return ReconstructMemory(m.Snapshot())
}

// Clamp bounds v to [0,1]
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CalculateResonance returns energyWeight*energy + tagWeight*overlap where
// overlap is the share of the memory's tags present in contextTags. A memory
// without tags has zero overlap.
func CalculateResonance(energy float64, tags, contextTags []string, energyWeight, tagWeight float64) float64 {
	overlap := 0.0
	if len(tags) > 0 {
		ctx := make(map[string]struct{}, len(contextTags))
		for _, t := range contextTags {
			ctx[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
		matched := 0
		for _, t := range tags {
			if _, ok := ctx[strings.ToLower(t)]; ok {
				matched++
			}
		}
		overlap = float64(matched) / float64(len(tags))
	}
	return Clamp(energy*energyWeight + overlap*tagWeight)
}

// SortByResonance orders memories by descending resonance, newest first on ties
func SortByResonance(memories []*Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].resonance != memories[j].resonance {
			return memories[i].resonance > memories[j].resonance
		}
		return memories[i].timestamp.After(memories[j].timestamp)
	})
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
