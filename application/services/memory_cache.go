package services

import (
	"sync"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
)

// MemoryCache is an instance-private view of recently used memories.
// It holds copies, and never replaces an entry with a lower version.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[valueobjects.MemoryID]*entities.Memory
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[valueobjects.MemoryID]*entities.Memory)}
}

// Get returns a copy of the cached memory
func (c *MemoryCache) Get(id valueobjects.MemoryID) (*entities.Memory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Version returns the cached version of id
func (c *MemoryCache) Version(id valueobjects.MemoryID) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.items[id]
	if !ok {
		return 0, false
	}
	return m.Version(), true
}

// Put caches a copy of m unless a newer version is already cached.
// Equal versions are replaced so refreshed access stats land.
func (c *MemoryCache) Put(m *entities.Memory) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.items[m.ID()]; ok && cur.Version() > m.Version() {
		return false
	}
	c.items[m.ID()] = m.Clone()
	return true
}

func (c *MemoryCache) Evict(id valueobjects.MemoryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[valueobjects.MemoryID]*entities.Memory)
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// ConnectedTo lists cached memories that hold a connection to id
func (c *MemoryCache) ConnectedTo(id valueobjects.MemoryID) []valueobjects.MemoryID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []valueobjects.MemoryID
	for peerID, m := range c.items {
		if m.IsConnectedTo(id) {
			out = append(out, peerID)
		}
	}
	return out
}
