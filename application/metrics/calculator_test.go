package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func memoryAt(id valueobjects.MemoryID, t valueobjects.MemoryType, energy, resonance float64, created time.Time, conns ...valueobjects.MemoryID) *entities.Memory {
	return entities.ReconstructMemory(entities.MemorySnapshot{
		ID:          id,
		Type:        t,
		Content:     "m",
		Energy:      energy,
		Resonance:   resonance,
		Connections: conns,
		Timestamp:   created,
		Version:     1,
	})
}

func fixture() []*entities.Memory {
	a, b, c := valueobjects.NewMemoryID(), valueobjects.NewMemoryID(), valueobjects.NewMemoryID()
	return []*entities.Memory{
		memoryAt(a, valueobjects.MemoryTypeDeclarative, 1.0, 0.5, base.Add(-time.Hour), b, c),
		memoryAt(b, valueobjects.MemoryTypeDeclarative, 0.5, 0.5, base.Add(-2*time.Second), a),
		memoryAt(c, valueobjects.MemoryTypeEpisodic, 0.05, 0.95, base.Add(-10*time.Second), a),
	}
}

func newTestCalculator() *Calculator {
	c := NewCalculator(DefaultSettings())
	c.now = func() time.Time { return base }
	return c
}

func TestCalculator_Calculate(t *testing.T) {
	got := newTestCalculator().Calculate(fixture())

	assert.Equal(t, 3, got.MemoryCount)
	// (0.6+0.2) + (0.3+0.2) + (0.03+0.38) = 1.71
	assert.InDelta(t, 1.71/3, got.AverageEnergy, 1e-9)
	assert.Equal(t, 2.0, got.ActiveConnections)
	// 0.3*3/100 + 0.7*2/500
	assert.InDelta(t, 0.0118, got.SystemLoad, 1e-9)
	assert.Equal(t, LoadLow, got.LoadLevel)
	assert.Equal(t, map[valueobjects.MemoryType]int{
		valueobjects.MemoryTypeDeclarative: 2,
		valueobjects.MemoryTypeEpisodic:    1,
	}, got.MemoryTypeDistribution)
	assert.Equal(t, 1, got.RecentChanges)
	assert.Equal(t, base, got.Timestamp)
}

func TestCalculator_Empty(t *testing.T) {
	got := newTestCalculator().Calculate(nil)
	assert.Zero(t, got.MemoryCount)
	assert.Zero(t, got.AverageEnergy)
	assert.Zero(t, got.SystemLoad)
	assert.Empty(t, got.MemoryTypeDistribution)
}

func TestCalculator_LoadIsCapped(t *testing.T) {
	c := newTestCalculator()
	assert.Equal(t, 1.0, c.systemLoad(1000, 5000))

	tests := []struct {
		load float64
		want LoadLevel
	}{
		{0.1, LoadLow},
		{0.5, LoadMedium},
		{0.79, LoadMedium},
		{0.8, LoadHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Level(tt.load), "load %v", tt.load)
	}
}

func TestDistributions(t *testing.T) {
	memories := fixture()
	assert.Equal(t, map[string]int{"1.0": 1, "0.5": 1, "0.0": 1}, EnergyDistribution(memories))
	assert.Equal(t, map[string]int{"0.5": 2, "0.9": 1}, ResonanceDistribution(memories))
}

func TestAccessPatterns(t *testing.T) {
	memories := fixture()
	memories[0].RecordAccess(base.Add(-30 * time.Minute))
	memories[1].RecordAccess(base.Add(-3*time.Hour - time.Minute))

	assert.Equal(t, map[int]int{0: 1, 3: 1}, AccessPatterns(memories, base))
}

func TestMonitor_SampleAndHistory(t *testing.T) {
	clock := base
	calc := newTestCalculator()
	calc.now = func() time.Time { return clock }

	var observed atomic.Int32
	m := NewMonitor(calc, func(context.Context) ([]*entities.Memory, error) {
		return fixture(), nil
	}, WithRetention(time.Hour), WithObserver(func(SystemMetrics) { observed.Add(1) }))

	_, ok := m.Latest()
	assert.False(t, ok)

	for i := 0; i < 4; i++ {
		_, err := m.Sample(context.Background())
		require.NoError(t, err)
		clock = clock.Add(30 * time.Minute)
	}

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, base.Add(90*time.Minute), latest.Timestamp)
	assert.Len(t, m.History(24*time.Hour), 2, "samples older than the retention are pruned")
	assert.Len(t, m.History(0), 1)
	assert.Equal(t, int32(4), observed.Load())
}

func TestMonitor_SourceError(t *testing.T) {
	m := NewMonitor(newTestCalculator(), func(context.Context) ([]*entities.Memory, error) {
		return nil, errors.New("store offline")
	})
	_, err := m.Sample(context.Background())
	assert.Error(t, err)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestMonitor_StartStop(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(NewCalculator(DefaultSettings()), func(context.Context) ([]*entities.Memory, error) {
		calls.Add(1)
		return nil, nil
	}, WithSchedule("@every 1s"))

	require.NoError(t, m.Start(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int32(1), "first sample is immediate")
	m.Stop()
	m.Stop()

	bad := NewMonitor(NewCalculator(DefaultSettings()), nil, WithSchedule("not a schedule"))
	assert.Error(t, bad.Start(context.Background()))
}
