package valueobjects

import (
	"fmt"
	"strings"
)

// MemoryType classifies what kind of knowledge a memory holds
type MemoryType string

const (
	MemoryTypeDeclarative MemoryType = "declarative"
	MemoryTypeProcedural  MemoryType = "procedural"
	MemoryTypeEpisodic    MemoryType = "episodic"
	MemoryTypeIntentional MemoryType = "intentional"
)

// AllMemoryTypes lists the closed set of memory types in display order
func AllMemoryTypes() []MemoryType {
	return []MemoryType{
		MemoryTypeDeclarative,
		MemoryTypeProcedural,
		MemoryTypeEpisodic,
		MemoryTypeIntentional,
	}
}

// ParseMemoryType accepts the type name case-insensitively
func ParseMemoryType(s string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryTypeDeclarative, MemoryTypeProcedural, MemoryTypeEpisodic, MemoryTypeIntentional:
		return true
	}
	return false
}

func (t MemoryType) String() string {
	return string(t)
}
