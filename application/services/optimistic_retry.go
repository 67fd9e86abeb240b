package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

// withConflictRetry runs fn until it succeeds, fails with something other
// than a version conflict, or runs out of attempts. Before each retry the
// cached copies of ids are dropped and fn is told to read fresh state.
func (s *MemoryStore) withConflictRetry(ctx context.Context, op string, ids []valueobjects.MemoryID, fn func(fresh bool) error) error {
	attempts := s.cfg.Sync.ConflictRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt > 0)
		if err == nil || !pkgerrors.IsConflict(err) {
			return err
		}

		for _, id := range ids {
			s.cache.Evict(id)
		}
		if attempt == attempts-1 {
			break
		}

		delay := s.cfg.Sync.ConflictBaseDelay * time.Duration(1<<attempt) // 100ms, 200ms, 400ms
		s.logger.Debug("Version conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return pkgerrors.Wrapf(err, "%s: max retries exceeded", op)
}
