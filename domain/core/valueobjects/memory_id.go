package valueobjects

import (
	"errors"

	"github.com/google/uuid"
)

// MemoryID is a value object representing a unique memory identifier
type MemoryID struct {
	value string
}

// NewMemoryID creates a new random MemoryID
func NewMemoryID() MemoryID {
	return MemoryID{value: uuid.New().String()}
}

// NewMemoryIDFromString creates a MemoryID from an existing string
func NewMemoryIDFromString(id string) (MemoryID, error) {
	if id == "" {
		return MemoryID{}, errors.New("memory ID cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return MemoryID{}, errors.New("memory ID must be a valid UUID")
	}
	return MemoryID{value: id}, nil
}

// MustMemoryID parses id and panics when it is not a UUID. Intended for tests
// and for ids read back from the store.
func MustMemoryID(id string) MemoryID {
	m, err := NewMemoryIDFromString(id)
	if err != nil {
		panic(err)
	}
	return m
}

func (id MemoryID) String() string {
	return id.value
}

func (id MemoryID) Equals(other MemoryID) bool {
	return id.value == other.value
}

func (id MemoryID) IsZero() bool {
	return id.value == ""
}

// MarshalText implements encoding.TextMarshaler so MemoryIDs work as JSON
// strings and map keys.
func (id MemoryID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *MemoryID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*id = MemoryID{}
		return nil
	}
	parsed, err := NewMemoryIDFromString(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
