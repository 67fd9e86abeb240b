package replication

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry tracks which sibling instances are alive, as seen by one
// instance. Entries expire when no heartbeat arrives within the timeout.
type Registry struct {
	mu        sync.Mutex
	instances map[string]time.Time
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(timeout time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		instances: make(map[string]time.Time),
		timeout:   timeout,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records id as alive now
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.instances[id]; !known {
		r.logger.Info("Instance registered", zap.String("instanceID", id))
	}
	r.instances[id] = r.now()
}

// Heartbeat refreshes id, registering it when unknown
func (r *Registry) Heartbeat(id string) {
	r.Register(id)
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.instances[id]; known {
		delete(r.instances, id)
		r.logger.Info("Instance unregistered", zap.String("instanceID", id))
	}
}

// PruneExpired drops every instance last seen more than the timeout before
// now and returns their ids
func (r *Registry) PruneExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(now)
}

func (r *Registry) pruneLocked(now time.Time) []string {
	var pruned []string
	for id, lastSeen := range r.instances {
		if now.Sub(lastSeen) > r.timeout {
			delete(r.instances, id)
			pruned = append(pruned, id)
		}
	}
	if len(pruned) > 0 {
		sort.Strings(pruned)
		r.logger.Info("Pruned expired instances", zap.Strings("instanceIDs", pruned))
	}
	return pruned
}

// IsAlive prunes expired entries and reports whether id remains
func (r *Registry) IsAlive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	_, ok := r.instances[id]
	return ok
}

// Alive returns the live instance ids in sorted order
func (r *Registry) Alive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	return len(r.Alive())
}
