// Package repotest holds the behaviour every MemoryRepository adapter must
// share. Adapter packages run it from their own tests.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echocog/application/ports"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// Factory returns a fresh, empty repository
type Factory func(t *testing.T) ports.MemoryRepository

// NewMemory builds a valid memory for tests
func NewMemory(t *testing.T, memType valueobjects.MemoryType, content string, tags ...string) *entities.Memory {
	t.Helper()
	m, err := entities.NewMemory(memType, content, tags, nil)
	require.NoError(t, err)
	return m
}

// RunContract exercises the MemoryRepository contract
func RunContract(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("Should add and get", func(t *testing.T) {
		repo := newRepo(t)
		m := NewMemory(t, valueobjects.MemoryTypeDeclarative, "water boils at 100C", "physics")
		require.NoError(t, repo.Add(ctx, m))

		got, err := repo.Get(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, m.Content(), got.Content())
		assert.Equal(t, []string{"physics"}, got.Tags())
		assert.Equal(t, 1, got.Version())
		assert.True(t, m.Timestamp().Equal(got.Timestamp()))

		assert.True(t, pkgerrors.IsConflict(repo.Add(ctx, m)), "second add conflicts")
	})

	t.Run("Should report missing memories as not found", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, valueobjects.NewMemoryID())
		assert.True(t, pkgerrors.IsNotFound(err))
		assert.NoError(t, repo.Delete(ctx, valueobjects.NewMemoryID()))
	})

	t.Run("Should gate updates on the expected version", func(t *testing.T) {
		repo := newRepo(t)
		m := NewMemory(t, valueobjects.MemoryTypeEpisodic, "first day")
		require.NoError(t, repo.Add(ctx, m))

		m.AdjustEnergy(-0.5)
		require.NoError(t, repo.Update(ctx, m, 1))

		m.AdjustEnergy(-0.1)
		err := repo.Update(ctx, m, 1)
		assert.True(t, pkgerrors.IsConflict(err))

		got, err := repo.Get(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version())
		assert.InDelta(t, 0.5, got.Energy(), 1e-9)
	})

	t.Run("Should write connection pairs atomically", func(t *testing.T) {
		repo := newRepo(t)
		a := NewMemory(t, valueobjects.MemoryTypeDeclarative, "a")
		b := NewMemory(t, valueobjects.MemoryTypeDeclarative, "b")
		require.NoError(t, repo.Add(ctx, a))
		require.NoError(t, repo.Add(ctx, b))

		_, err := a.Connect(b.ID())
		require.NoError(t, err)
		_, err = b.Connect(a.ID())
		require.NoError(t, err)

		// b is guarded by a stale version so the whole pair must be rejected
		err = repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{
			ports.PutVersioned(a, 1),
			ports.PutVersioned(b, 7),
		}})
		assert.True(t, pkgerrors.IsConflict(err))
		gotA, err := repo.Get(ctx, a.ID())
		require.NoError(t, err)
		assert.Empty(t, gotA.Connections())
		assert.Equal(t, 1, gotA.Version())

		require.NoError(t, repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{
			ports.PutVersioned(a, 1),
			ports.PutVersioned(b, 1),
		}}))
		gotA, err = repo.Get(ctx, a.ID())
		require.NoError(t, err)
		gotB, err := repo.Get(ctx, b.ID())
		require.NoError(t, err)
		assert.True(t, gotA.IsConnectedTo(b.ID()))
		assert.True(t, gotB.IsConnectedTo(a.ID()))
		assert.Equal(t, 2, gotA.Version())
		assert.Equal(t, 2, gotB.Version())
	})

	t.Run("Should only accept newer versions under PutIfNewer", func(t *testing.T) {
		repo := newRepo(t)
		m := NewMemory(t, valueobjects.MemoryTypeIntentional, "ship it")
		require.NoError(t, repo.Add(ctx, m))

		stale := m.Clone()
		energy := 0.1
		stale.ApplyRemote(entities.MemoryUpdate{Energy: &energy}, 1)
		err := repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{{Memory: stale, Condition: ports.PutIfNewer}}})
		assert.True(t, pkgerrors.IsConflict(err))

		newer := m.Clone()
		newer.ApplyRemote(entities.MemoryUpdate{Energy: &energy}, 4)
		require.NoError(t, repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{{Memory: newer, Condition: ports.PutIfNewer}}}))

		got, err := repo.Get(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, 4, got.Version())
	})

	t.Run("Should delete inside transactions", func(t *testing.T) {
		repo := newRepo(t)
		a := NewMemory(t, valueobjects.MemoryTypeDeclarative, "a")
		b := NewMemory(t, valueobjects.MemoryTypeDeclarative, "b")
		require.NoError(t, repo.Add(ctx, a))
		require.NoError(t, repo.Add(ctx, b))

		require.NoError(t, repo.Transact(ctx, ports.Transaction{
			Puts:    []ports.Put{ports.PutVersioned(b.Clone(), 1)},
			Deletes: []ports.Delete{{ID: a.ID(), ExpectedVersion: 1}},
		}))

		_, err := repo.Get(ctx, a.ID())
		assert.True(t, pkgerrors.IsNotFound(err))
	})

	t.Run("Should record access without changing the version", func(t *testing.T) {
		repo := newRepo(t)
		m := NewMemory(t, valueobjects.MemoryTypeProcedural, "brew coffee")
		require.NoError(t, repo.Add(ctx, m))

		at := time.Now().Truncate(time.Millisecond)
		require.NoError(t, repo.RecordAccess(ctx, m.ID(), at))
		require.NoError(t, repo.RecordAccess(ctx, m.ID(), at))

		got, err := repo.Get(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, 2, got.AccessCount())
		assert.Equal(t, 1, got.Version())
		require.NotNil(t, got.LastAccessed())
		assert.True(t, at.Equal(*got.LastAccessed()))

		assert.True(t, pkgerrors.IsNotFound(repo.RecordAccess(ctx, valueobjects.NewMemoryID(), at)))
	})

	t.Run("Should find by type and tag", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Add(ctx, NewMemory(t, valueobjects.MemoryTypeDeclarative, "one", "red", "blue")))
		require.NoError(t, repo.Add(ctx, NewMemory(t, valueobjects.MemoryTypeEpisodic, "two", "red")))
		require.NoError(t, repo.Add(ctx, NewMemory(t, valueobjects.MemoryTypeEpisodic, "three")))

		byType, err := repo.FindByType(ctx, valueobjects.MemoryTypeEpisodic)
		require.NoError(t, err)
		assert.Len(t, byType, 2)

		byTag, err := repo.FindByTag(ctx, "red")
		require.NoError(t, err)
		assert.Len(t, byTag, 2)

		byTag, err = repo.FindByTag(ctx, "blue")
		require.NoError(t, err)
		require.Len(t, byTag, 1)
		assert.Equal(t, "one", byTag[0].Content())

		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
