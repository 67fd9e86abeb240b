package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"echocog/application/ports"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// MemoryRepository keeps memories in a process-local map. Several instances
// in one process can share it the way browser tabs share one database.
type MemoryRepository struct {
	mu       sync.RWMutex
	memories map[valueobjects.MemoryID]entities.MemorySnapshot
	closed   bool
}

var _ ports.MemoryRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		memories: make(map[valueobjects.MemoryID]entities.MemorySnapshot),
	}
}

func (r *MemoryRepository) Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	snap, ok := r.memories[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("memory " + id.String())
	}
	return entities.ReconstructMemory(snap), nil
}

func (r *MemoryRepository) Add(ctx context.Context, memory *entities.Memory) error {
	return r.Transact(ctx, ports.Transaction{
		Puts: []ports.Put{{Memory: memory, Condition: ports.PutIfAbsent}},
	})
}

func (r *MemoryRepository) Update(ctx context.Context, memory *entities.Memory, expectedVersion int) error {
	return r.Transact(ctx, ports.Transaction{
		Puts: []ports.Put{ports.PutVersioned(memory, expectedVersion)},
	})
}

func (r *MemoryRepository) Delete(ctx context.Context, id valueobjects.MemoryID) error {
	return r.Transact(ctx, ports.Transaction{
		Deletes: []ports.Delete{{ID: id}},
	})
}

// Transact checks every condition before applying any write
func (r *MemoryRepository) Transact(ctx context.Context, tx ports.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	for _, put := range tx.Puts {
		if err := checkPut(r.memories, put); err != nil {
			return err
		}
	}
	for _, del := range tx.Deletes {
		if del.ExpectedVersion == 0 {
			continue
		}
		stored, ok := r.memories[del.ID]
		if ok && stored.Version != del.ExpectedVersion {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s is at version %d, expected %d", del.ID, stored.Version, del.ExpectedVersion))
		}
	}

	for _, put := range tx.Puts {
		snap := put.Memory.Snapshot()
		// Access stats are bookkept by RecordAccess; keep whichever is further along
		if stored, ok := r.memories[snap.ID]; ok && stored.AccessCount > snap.AccessCount {
			snap.AccessCount = stored.AccessCount
			snap.LastAccessed = stored.LastAccessed
		}
		r.memories[snap.ID] = snap
	}
	for _, del := range tx.Deletes {
		delete(r.memories, del.ID)
	}
	return nil
}

func checkPut(memories map[valueobjects.MemoryID]entities.MemorySnapshot, put ports.Put) error {
	if put.Memory == nil {
		return pkgerrors.NewValidationError("put without memory")
	}
	id := put.Memory.ID()
	stored, exists := memories[id]

	switch put.Condition {
	case ports.PutIfAbsent:
		if exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s already exists", id))
		}
	case ports.PutIfNewer:
		if !exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s no longer exists", id))
		}
		if stored.Version >= put.Memory.Version() {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s already at version %d", id, stored.Version))
		}
	default:
		if !exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s no longer exists", id))
		}
		if stored.Version != put.ExpectedVersion {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s is at version %d, expected %d", id, stored.Version, put.ExpectedVersion))
		}
	}
	return nil
}

func (r *MemoryRepository) RecordAccess(ctx context.Context, id valueobjects.MemoryID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return err
	}
	snap, ok := r.memories[id]
	if !ok {
		return pkgerrors.NewNotFoundError("memory " + id.String())
	}
	snap.AccessCount++
	t := at.UTC()
	snap.LastAccessed = &t
	r.memories[id] = snap
	return nil
}

func (r *MemoryRepository) FindByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	return r.filter(func(s entities.MemorySnapshot) bool { return s.Type == memType })
}

func (r *MemoryRepository) FindByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	return r.filter(func(s entities.MemorySnapshot) bool {
		for _, t := range s.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

func (r *MemoryRepository) List(ctx context.Context) ([]*entities.Memory, error) {
	return r.filter(func(entities.MemorySnapshot) bool { return true })
}

func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MemoryRepository) filter(keep func(entities.MemorySnapshot) bool) ([]*entities.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*entities.Memory, 0)
	for _, snap := range r.memories {
		if keep(snap) {
			out = append(out, entities.ReconstructMemory(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp().Before(out[j].Timestamp()) })
	return out, nil
}

func (r *MemoryRepository) checkOpen() error {
	if r.closed {
		return pkgerrors.NewUnavailableError("memory repository")
	}
	return nil
}
