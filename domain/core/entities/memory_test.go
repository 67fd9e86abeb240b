package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/domain/config"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

func newTestMemory(t *testing.T, tags ...string) *Memory {
	t.Helper()
	m, err := NewMemory(valueobjects.MemoryTypeDeclarative, "the sky is blue", tags, nil)
	require.NoError(t, err)
	return m
}

func TestNewMemory(t *testing.T) {
	t.Run("Should apply defaults", func(t *testing.T) {
		m := newTestMemory(t, "sky", "color", "sky", " ")

		assert.Equal(t, 1, m.Version())
		assert.Equal(t, 1.0, m.Energy())
		assert.Equal(t, 0.5, m.Resonance())
		assert.Equal(t, []string{"color", "sky"}, m.Tags())
		assert.Empty(t, m.Connections())
		assert.False(t, m.Timestamp().IsZero())
	})

	t.Run("Should reject invalid input", func(t *testing.T) {
		_, err := NewMemory("semantic", "x", nil, nil)
		assert.True(t, pkgerrors.IsValidation(err))

		_, err = NewMemory(valueobjects.MemoryTypeEpisodic, "   ", nil, nil)
		assert.True(t, pkgerrors.IsValidation(err))
	})

	t.Run("Should honour configured defaults", func(t *testing.T) {
		cfg := config.DefaultDomainConfig()
		cfg.DefaultEnergy = 0.25
		m, err := NewMemory(valueobjects.MemoryTypeProcedural, "tie a knot", nil, cfg)
		require.NoError(t, err)
		assert.Equal(t, 0.25, m.Energy())
	})
}

func TestMemory_AdjustEnergy(t *testing.T) {
	tests := []struct {
		name  string
		delta float64
		want  float64
	}{
		{"decrease", -0.3, 0.7},
		{"clamp above", 0.5, 1.0},
		{"clamp below", -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMemory(t)
			m.AdjustEnergy(tt.delta)
			assert.InDelta(t, tt.want, m.Energy(), 1e-9)
			assert.Equal(t, 2, m.Version())
		})
	}
}

func TestMemory_UpdateResonance(t *testing.T) {
	t.Run("Should weigh energy and tag overlap", func(t *testing.T) {
		m := newTestMemory(t, "a", "b")
		m.UpdateResonance([]string{"a"}, nil)

		// 0.6*1.0 + 0.4*0.5
		assert.InDelta(t, 0.8, m.Resonance(), 1e-9)
		assert.Equal(t, 2, m.Version())
	})

	t.Run("Should use zero overlap without tags", func(t *testing.T) {
		m := newTestMemory(t)
		m.AdjustEnergy(-0.5)
		m.UpdateResonance([]string{"anything"}, nil)

		assert.InDelta(t, 0.3, m.Resonance(), 1e-9)
		assert.Equal(t, 3, m.Version())
	})
}

func TestMemory_Connect(t *testing.T) {
	a := newTestMemory(t)
	b := newTestMemory(t)

	added, err := a.Connect(b.ID())
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 2, a.Version())
	assert.True(t, a.IsConnectedTo(b.ID()))

	added, err = a.Connect(b.ID())
	require.NoError(t, err)
	assert.False(t, added, "duplicate connect is a no-op")
	assert.Equal(t, 2, a.Version())

	_, err = a.Connect(a.ID())
	assert.True(t, pkgerrors.IsInvalidConnection(err))

	assert.True(t, a.Disconnect(b.ID()))
	assert.False(t, a.Disconnect(b.ID()))
	assert.Equal(t, 3, a.Version())
}

func TestMemory_RemoteApplication(t *testing.T) {
	m := newTestMemory(t)
	energy, resonance := 1.7, 0.2

	m.ApplyRemote(MemoryUpdate{Energy: &energy, Resonance: &resonance}, 5)
	assert.Equal(t, 1.0, m.Energy())
	assert.Equal(t, 0.2, m.Resonance())
	assert.Equal(t, 5, m.Version())

	other := valueobjects.NewMemoryID()
	m.ConnectRemote(other, 3)
	assert.Equal(t, 6, m.Version(), "never moves backwards")
	m.ConnectRemote(valueobjects.NewMemoryID(), 9)
	assert.Equal(t, 9, m.Version())
}

func TestMemory_RecordAccess(t *testing.T) {
	m := newTestMemory(t)
	now := time.Now()

	m.RecordAccess(now)

	assert.Equal(t, 1, m.AccessCount())
	require.NotNil(t, m.LastAccessed())
	assert.True(t, m.LastAccessed().Equal(now))
	assert.Equal(t, 1, m.Version())
}

func TestMemory_MatchesAndClone(t *testing.T) {
	m := newTestMemory(t, "Weather")
	assert.True(t, m.Matches("SKY"))
	assert.True(t, m.Matches("weath"))
	assert.False(t, m.Matches("ocean"))

	peer := valueobjects.NewMemoryID()
	_, err := m.Connect(peer)
	require.NoError(t, err)

	clone := m.Clone()
	clone.AdjustEnergy(-1)
	clone.Disconnect(peer)
	assert.Equal(t, 1.0, m.Energy())
	assert.True(t, m.IsConnectedTo(peer))
	assert.Equal(t, m.Snapshot().ID, clone.Snapshot().ID)
}

func TestSortByResonance(t *testing.T) {
	low := newTestMemory(t)
	high := newTestMemory(t, "x")
	high.UpdateResonance([]string{"x"}, nil)

	list := []*Memory{low, high}
	SortByResonance(list)

	assert.Equal(t, high.ID(), list[0].ID())
}
