package ports

import (
	"context"
	"time"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
)

// MemoryRepository is the durable store shared by every instance.
// Implementations return a NotFoundError from Get when the memory is absent
// and a ConflictError whenever a write condition fails.
type MemoryRepository interface {
	// Get loads a memory by id
	Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error)

	// Add inserts a memory that must not exist yet
	Add(ctx context.Context, memory *entities.Memory) error

	// Update replaces a memory whose stored version equals expectedVersion
	Update(ctx context.Context, memory *entities.Memory, expectedVersion int) error

	// Delete removes a memory. Deleting an absent memory is not an error.
	Delete(ctx context.Context, id valueobjects.MemoryID) error

	// Transact applies every write in tx atomically or none of them
	Transact(ctx context.Context, tx Transaction) error

	// RecordAccess bumps access statistics without touching the version
	RecordAccess(ctx context.Context, id valueobjects.MemoryID, at time.Time) error

	// FindByType is an equality lookup on the memory type
	FindByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error)

	// FindByTag is a set-membership lookup on the tags
	FindByTag(ctx context.Context, tag string) ([]*entities.Memory, error)

	// List returns every stored memory
	List(ctx context.Context) ([]*entities.Memory, error)

	Close() error
}

// PutCondition selects the guard a Put is written under
type PutCondition int

const (
	// PutIfVersion requires the stored version to equal ExpectedVersion
	PutIfVersion PutCondition = iota
	// PutIfAbsent requires that no memory with the id exists
	PutIfAbsent
	// PutIfNewer requires the memory to exist with a version lower than the
	// one being written
	PutIfNewer
)

// Put is a conditional write inside a Transaction
type Put struct {
	Memory          *entities.Memory
	Condition       PutCondition
	ExpectedVersion int
}

// Delete is a write inside a Transaction. A zero ExpectedVersion deletes
// unconditionally.
type Delete struct {
	ID              valueobjects.MemoryID
	ExpectedVersion int
}

// Transaction groups writes that must land together, such as both sides of
// a connection
type Transaction struct {
	Puts    []Put
	Deletes []Delete
}

// IsEmpty reports whether the transaction has nothing to write
func (t Transaction) IsEmpty() bool {
	return len(t.Puts) == 0 && len(t.Deletes) == 0
}

// PutVersioned is the common optimistic write of a locally mutated memory
func PutVersioned(m *entities.Memory, expected int) Put {
	return Put{Memory: m, Condition: PutIfVersion, ExpectedVersion: expected}
}
