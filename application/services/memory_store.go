package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/config"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// MemoryStore is the versioned entity store of one instance: a private cache
// in front of the repository shared by all instances.
//
// Local mutations read, modify and write back under the version that was
// read; remote state enters only through the ApplyRemote* methods, which
// never move a memory to a lower version.
type MemoryStore struct {
	repo   ports.MemoryRepository
	cache  *MemoryCache
	cfg    *config.DomainConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewMemoryStore(repo ports.MemoryRepository, cfg *config.DomainConfig, logger *zap.Logger) *MemoryStore {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		repo:   repo,
		cache:  NewMemoryCache(),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Create validates and persists a new memory at version 1
func (s *MemoryStore) Create(ctx context.Context, memType valueobjects.MemoryType, content string, tags []string) (*entities.Memory, error) {
	m, err := entities.NewMemory(memType, content, tags, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Add(ctx, m); err != nil {
		return nil, pkgerrors.Wrap(err, "create memory")
	}
	s.cache.Put(m)

	s.logger.Debug("Memory created",
		zap.String("memoryID", m.ID().String()),
		zap.String("type", string(memType)),
	)
	return m.Clone(), nil
}

// Get returns the memory or nil when it does not exist. A cache miss loads
// from the repository and records the access there.
func (s *MemoryStore) Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	if m, ok := s.cache.Get(id); ok {
		return m, nil
	}

	m, err := s.repo.Get(ctx, id)
	if pkgerrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	at := s.now()
	if err := s.repo.RecordAccess(ctx, id, at); err != nil && !pkgerrors.IsNotFound(err) {
		s.logger.Warn("Failed to record access", zap.String("memoryID", id.String()), zap.Error(err))
	} else if err == nil {
		m.RecordAccess(at)
	}

	s.cache.Put(m)
	return m.Clone(), nil
}

// Exists checks the repository directly, bypassing the cache
func (s *MemoryStore) Exists(ctx context.Context, id valueobjects.MemoryID) (bool, error) {
	_, err := s.repo.Get(ctx, id)
	if pkgerrors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// load returns a mutable copy for a local write, cache first unless fresh
func (s *MemoryStore) load(ctx context.Context, id valueobjects.MemoryID, fresh bool) (*entities.Memory, error) {
	if !fresh {
		if m, ok := s.cache.Get(id); ok {
			return m, nil
		}
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			s.cache.Evict(id)
		}
		return nil, err
	}
	return m, nil
}

// localVersion is the version this instance currently sees
func (s *MemoryStore) localVersion(ctx context.Context, id valueobjects.MemoryID) (int, error) {
	if v, ok := s.cache.Version(id); ok {
		return v, nil
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.Version(), nil
}

// UpdateEnergy adds delta to the energy, clamped to [0,1]
func (s *MemoryStore) UpdateEnergy(ctx context.Context, id valueobjects.MemoryID, delta float64) (*entities.Memory, error) {
	return s.mutate(ctx, "update energy", id, func(m *entities.Memory) {
		m.AdjustEnergy(delta)
	})
}

// UpdateResonance recomputes resonance against contextTags
func (s *MemoryStore) UpdateResonance(ctx context.Context, id valueobjects.MemoryID, contextTags []string) (*entities.Memory, error) {
	return s.mutate(ctx, "update resonance", id, func(m *entities.Memory) {
		m.UpdateResonance(contextTags, s.cfg)
	})
}

func (s *MemoryStore) mutate(ctx context.Context, op string, id valueobjects.MemoryID, apply func(*entities.Memory)) (*entities.Memory, error) {
	var result *entities.Memory
	err := s.withConflictRetry(ctx, op, []valueobjects.MemoryID{id}, func(fresh bool) error {
		m, err := s.load(ctx, id, fresh)
		if err != nil {
			return err
		}
		expected := m.Version()
		apply(m)
		if err := s.repo.Update(ctx, m, expected); err != nil {
			return err
		}
		s.cache.Put(m)
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// Connect links source and target symmetrically. Both versions advance and
// both records are written in one transaction. It reports false when the
// memories were already connected.
func (s *MemoryStore) Connect(ctx context.Context, sourceID, targetID valueobjects.MemoryID) (*entities.Memory, *entities.Memory, bool, error) {
	var source, target *entities.Memory
	changed := false

	err := s.withConflictRetry(ctx, "connect", []valueobjects.MemoryID{sourceID, targetID}, func(fresh bool) error {
		src, err := s.load(ctx, sourceID, fresh)
		if err != nil {
			return err
		}
		tgt, err := s.load(ctx, targetID, fresh)
		if err != nil {
			return err
		}
		if sourceID.Equals(targetID) {
			return pkgerrors.NewInvalidConnectionError("memory cannot connect to itself")
		}

		srcExpected, tgtExpected := src.Version(), tgt.Version()
		srcAdded, err := src.Connect(targetID)
		if err != nil {
			return err
		}
		tgtAdded, err := tgt.Connect(sourceID)
		if err != nil {
			return err
		}

		source, target = src, tgt
		if !srcAdded && !tgtAdded {
			return nil
		}

		tx := ports.Transaction{}
		if srcAdded {
			tx.Puts = append(tx.Puts, ports.PutVersioned(src, srcExpected))
		}
		if tgtAdded {
			tx.Puts = append(tx.Puts, ports.PutVersioned(tgt, tgtExpected))
		}
		if err := s.repo.Transact(ctx, tx); err != nil {
			return err
		}
		s.cache.Put(src)
		s.cache.Put(tgt)
		changed = true
		return nil
	})
	if err != nil {
		return nil, nil, false, notFoundAs(err)
	}
	return source.Clone(), target.Clone(), changed, nil
}

// Remove deletes the memory and strips it from every peer's connections in
// one transaction. The updated peers are returned.
func (s *MemoryStore) Remove(ctx context.Context, id valueobjects.MemoryID) ([]*entities.Memory, error) {
	var peers []*entities.Memory

	err := s.withConflictRetry(ctx, "remove", []valueobjects.MemoryID{id}, func(fresh bool) error {
		m, err := s.load(ctx, id, true)
		if err != nil {
			return err
		}
		tx, updated, err := s.removalTx(ctx, m)
		if err != nil {
			return err
		}
		if err := s.repo.Transact(ctx, tx); err != nil {
			for _, p := range updated {
				s.cache.Evict(p.ID())
			}
			return err
		}
		s.cache.Evict(id)
		for _, p := range updated {
			s.cache.Put(p)
		}
		peers = updated
		return nil
	})
	if err != nil {
		return nil, notFoundAs(err)
	}
	return peers, nil
}

func (s *MemoryStore) removalTx(ctx context.Context, m *entities.Memory) (ports.Transaction, []*entities.Memory, error) {
	tx := ports.Transaction{
		Deletes: []ports.Delete{{ID: m.ID(), ExpectedVersion: m.Version()}},
	}
	var updated []*entities.Memory
	for _, peerID := range m.Connections() {
		peer, err := s.repo.Get(ctx, peerID)
		if pkgerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return tx, nil, err
		}
		expected := peer.Version()
		if peer.Disconnect(m.ID()) {
			tx.Puts = append(tx.Puts, ports.PutVersioned(peer, expected))
			updated = append(updated, peer)
		}
	}
	return tx, updated, nil
}

// checkNewer returns a StaleError unless remote is ahead of local
func checkNewer(id valueobjects.MemoryID, remote, local int) error {
	if remote > local {
		return nil
	}
	return pkgerrors.NewStaleError(fmt.Sprintf("memory %s: remote version %d is not newer than %d", id, remote, local))
}

// ApplyRemoteVersion applies a replicated update only when remoteVersion is
// newer than the local view. It reports whether local state advanced.
// Updates for unknown memories are ignored.
func (s *MemoryStore) ApplyRemoteVersion(ctx context.Context, id valueobjects.MemoryID, update entities.MemoryUpdate, remoteVersion int) (bool, error) {
	local, err := s.localVersion(ctx, id)
	if pkgerrors.IsNotFound(err) {
		s.logger.Debug("Ignoring update for unknown memory", zap.String("memoryID", id.String()))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := checkNewer(id, remoteVersion, local); err != nil {
		s.logger.Debug("Discarding stale update", zap.Error(err))
		return false, nil
	}

	fresh, err := s.repo.Get(ctx, id)
	if pkgerrors.IsNotFound(err) {
		s.cache.Evict(id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fresh.Version() >= remoteVersion {
		// the shared store already holds this write or a later one
		s.cache.Put(fresh)
		return true, nil
	}

	fresh.ApplyRemote(update, remoteVersion)
	err = s.repo.Transact(ctx, ports.Transaction{Puts: []ports.Put{{Memory: fresh, Condition: ports.PutIfNewer}}})
	if pkgerrors.IsConflict(err) {
		return false, s.refresh(ctx, id)
	}
	if err != nil {
		return false, err
	}
	s.cache.Put(fresh)
	return true, nil
}

// ApplyRemoteConnect replays a connection made by another instance.
// Both memories must exist. Deliveries whose versions this instance has
// already seen are no-ops.
func (s *MemoryStore) ApplyRemoteConnect(ctx context.Context, sourceID, targetID valueobjects.MemoryID, sourceVersion, targetVersion int) (bool, error) {
	localSrc, err := s.localVersion(ctx, sourceID)
	if err != nil {
		return false, notFoundAs(err)
	}
	localTgt, err := s.localVersion(ctx, targetID)
	if err != nil {
		return false, notFoundAs(err)
	}
	if checkNewer(sourceID, sourceVersion, localSrc) != nil && checkNewer(targetID, targetVersion, localTgt) != nil {
		s.logger.Debug("Discarding duplicate connect",
			zap.String("sourceID", sourceID.String()),
			zap.String("targetID", targetID.String()),
		)
		return false, nil
	}

	applied := false
	err = s.withConflictRetry(ctx, "remote connect", []valueobjects.MemoryID{sourceID, targetID}, func(bool) error {
		src, err := s.repo.Get(ctx, sourceID)
		if err != nil {
			return err
		}
		tgt, err := s.repo.Get(ctx, targetID)
		if err != nil {
			return err
		}

		tx := ports.Transaction{}
		if !src.IsConnectedTo(targetID) {
			expected := src.Version()
			src.ConnectRemote(targetID, sourceVersion)
			tx.Puts = append(tx.Puts, ports.PutVersioned(src, expected))
		}
		if !tgt.IsConnectedTo(sourceID) {
			expected := tgt.Version()
			tgt.ConnectRemote(sourceID, targetVersion)
			tx.Puts = append(tx.Puts, ports.PutVersioned(tgt, expected))
		}
		if !tx.IsEmpty() {
			if err := s.repo.Transact(ctx, tx); err != nil {
				return err
			}
		}
		s.cache.Put(src)
		s.cache.Put(tgt)
		applied = true
		return nil
	})
	if err != nil {
		return false, notFoundAs(err)
	}
	return applied, nil
}

// ApplyRemoteAdd makes a memory created elsewhere visible locally
func (s *MemoryStore) ApplyRemoteAdd(ctx context.Context, id valueobjects.MemoryID) error {
	m, err := s.repo.Get(ctx, id)
	if pkgerrors.IsNotFound(err) {
		return pkgerrors.NewMissingEntityError("memory " + id.String())
	}
	if err != nil {
		return err
	}
	s.cache.Put(m)
	return nil
}

// ApplyRemoteRemove drops a memory removed elsewhere. Absence is not an error.
func (s *MemoryStore) ApplyRemoteRemove(ctx context.Context, id valueobjects.MemoryID) error {
	peers := s.cache.ConnectedTo(id)
	s.cache.Evict(id)

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		_, err := s.Remove(ctx, id)
		if pkgerrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	for _, peerID := range peers {
		if err := s.refresh(ctx, peerID); err != nil {
			return err
		}
	}
	return nil
}

// refresh replaces the cached copy of id with the repository state
func (s *MemoryStore) refresh(ctx context.Context, id valueobjects.MemoryID) error {
	m, err := s.repo.Get(ctx, id)
	if pkgerrors.IsNotFound(err) {
		s.cache.Evict(id)
		return nil
	}
	if err != nil {
		return err
	}
	s.cache.Put(m)
	return nil
}

// Search matches query case-insensitively against content and tags,
// optionally restricted to one type
func (s *MemoryStore) Search(ctx context.Context, query string, memType *valueobjects.MemoryType) ([]*entities.Memory, error) {
	var (
		candidates []*entities.Memory
		err        error
	)
	if memType != nil {
		candidates, err = s.repo.FindByType(ctx, *memType)
	} else {
		candidates, err = s.repo.List(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*entities.Memory, 0, len(candidates))
	for _, m := range candidates {
		if m.Matches(query) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	return s.repo.FindByTag(ctx, tag)
}

func (s *MemoryStore) ListByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	return s.repo.FindByType(ctx, memType)
}

func (s *MemoryStore) All(ctx context.Context) ([]*entities.Memory, error) {
	return s.repo.List(ctx)
}

// Recent returns up to limit memories, newest first
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*entities.Memory, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp().After(all[j].Timestamp()) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ClearCache drops every cached memory
func (s *MemoryStore) ClearCache() {
	s.cache.Clear()
}

func (s *MemoryStore) CacheSize() int {
	return s.cache.Len()
}

// notFoundAs turns repository not-found errors into a NotFoundError naming
// the memory; other errors pass through
func notFoundAs(err error) error {
	if pkgerrors.IsNotFound(err) {
		return pkgerrors.Wrap(err, "memory does not exist")
	}
	return err
}
