package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"echocog/application/ports"
	"echocog/domain/core/entities"
	"echocog/domain/core/valueobjects"
	pkgerrors "echocog/pkg/errors"
)

const tagSeparator = "\x1f"

// MemoryRepository stores memories in a SQLite file that several instances
// (and processes) open at once. Writes run in immediate transactions so the
// version checks and the writes they guard cannot interleave.
type MemoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ ports.MemoryRepository = (*MemoryRepository)(nil)

// NewMemoryRepository opens (and migrates) the database at path
func NewMemoryRepository(path string, logger *zap.Logger) (*MemoryRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	r := &MemoryRepository{db: db, logger: logger}
	if err := r.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func dsn(path string) string {
	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	return "file:" + path + "?" + strings.Join(pragmas, "&")
}

func (r *MemoryRepository) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			energy REAL NOT NULL,
			resonance REAL NOT NULL,
			created_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
		`CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (memory_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS memory_connections (
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			peer_id TEXT NOT NULL,
			PRIMARY KEY (memory_id, peer_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (r *MemoryRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

const selectMemories = `SELECT m.id, m.type, m.content, m.energy, m.resonance, m.created_at,
	m.version, m.access_count, m.last_accessed,
	(SELECT group_concat(t.tag, char(31)) FROM memory_tags t WHERE t.memory_id = m.id),
	(SELECT group_concat(c.peer_id, char(31)) FROM memory_connections c WHERE c.memory_id = m.id)
	FROM memories m`

func (r *MemoryRepository) Get(ctx context.Context, id valueobjects.MemoryID) (*entities.Memory, error) {
	list, err := r.query(ctx, selectMemories+` WHERE m.id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, pkgerrors.NewNotFoundError("memory " + id.String())
	}
	return list[0], nil
}

func (r *MemoryRepository) FindByType(ctx context.Context, memType valueobjects.MemoryType) ([]*entities.Memory, error) {
	return r.query(ctx, selectMemories+` WHERE m.type = ? ORDER BY m.created_at`, string(memType))
}

func (r *MemoryRepository) FindByTag(ctx context.Context, tag string) ([]*entities.Memory, error) {
	return r.query(ctx, selectMemories+` WHERE m.id IN (SELECT memory_id FROM memory_tags WHERE tag = ?) ORDER BY m.created_at`, tag)
}

func (r *MemoryRepository) List(ctx context.Context) ([]*entities.Memory, error) {
	return r.query(ctx, selectMemories+` ORDER BY m.created_at`)
}

func (r *MemoryRepository) query(ctx context.Context, q string, args ...any) ([]*entities.Memory, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("query memories", err)
	}
	defer rows.Close()

	out := make([]*entities.Memory, 0)
	for rows.Next() {
		var (
			id, memType, content, createdAt string
			energy, resonance               float64
			version, accessCount            int
			lastAccessed, tags, peers       sql.NullString
		)
		if err := rows.Scan(&id, &memType, &content, &energy, &resonance, &createdAt,
			&version, &accessCount, &lastAccessed, &tags, &peers); err != nil {
			return nil, pkgerrors.NewDatabaseError("scan memory", err)
		}

		snap := entities.MemorySnapshot{
			Type:        valueobjects.MemoryType(memType),
			Content:     content,
			Energy:      energy,
			Resonance:   resonance,
			Version:     version,
			AccessCount: accessCount,
			Tags:        splitList(tags),
		}
		if snap.ID, err = valueobjects.NewMemoryIDFromString(id); err != nil {
			return nil, pkgerrors.NewDatabaseError("decode memory id", err)
		}
		if snap.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, pkgerrors.NewDatabaseError("decode created_at", err)
		}
		if lastAccessed.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastAccessed.String)
			if err != nil {
				return nil, pkgerrors.NewDatabaseError("decode last_accessed", err)
			}
			snap.LastAccessed = &t
		}
		for _, peer := range splitList(peers) {
			peerID, err := valueobjects.NewMemoryIDFromString(peer)
			if err != nil {
				return nil, pkgerrors.NewDatabaseError("decode peer id", err)
			}
			snap.Connections = append(snap.Connections, peerID)
		}
		out = append(out, entities.ReconstructMemory(snap))
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.NewDatabaseError("iterate memories", err)
	}
	return out, nil
}

func splitList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, tagSeparator)
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

func (r *MemoryRepository) Transact(ctx context.Context, tx ports.Transaction) (err error) {
	if tx.IsEmpty() {
		return nil
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.NewDatabaseError("begin transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	for _, put := range tx.Puts {
		if err = r.applyPut(ctx, sqlTx, put); err != nil {
			return err
		}
	}
	for _, del := range tx.Deletes {
		if err = r.applyDelete(ctx, sqlTx, del); err != nil {
			return err
		}
	}

	if err = sqlTx.Commit(); err != nil {
		return pkgerrors.NewDatabaseError("commit transaction", err)
	}
	return nil
}

type storedState struct {
	exists      bool
	version     int
	accessCount int
}

func loadState(ctx context.Context, tx *sql.Tx, id string) (storedState, error) {
	var s storedState
	err := tx.QueryRowContext(ctx, `SELECT version, access_count FROM memories WHERE id = ?`, id).
		Scan(&s.version, &s.accessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, pkgerrors.NewDatabaseError("load version", err)
	}
	s.exists = true
	return s, nil
}

func (r *MemoryRepository) applyPut(ctx context.Context, tx *sql.Tx, put ports.Put) error {
	if put.Memory == nil {
		return pkgerrors.NewValidationError("put without memory")
	}
	snap := put.Memory.Snapshot()
	id := snap.ID.String()

	state, err := loadState(ctx, tx, id)
	if err != nil {
		return err
	}
	switch put.Condition {
	case ports.PutIfAbsent:
		if state.exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s already exists", id))
		}
	case ports.PutIfNewer:
		if !state.exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s no longer exists", id))
		}
		if state.version >= snap.Version {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s already at version %d", id, state.version))
		}
	default:
		if !state.exists {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s no longer exists", id))
		}
		if state.version != put.ExpectedVersion {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s is at version %d, expected %d", id, state.version, put.ExpectedVersion))
		}
	}

	var lastAccessed any
	if snap.LastAccessed != nil {
		lastAccessed = snap.LastAccessed.UTC().Format(time.RFC3339Nano)
	}

	if !state.exists {
		_, err = tx.ExecContext(ctx, `INSERT INTO memories
			(id, type, content, energy, resonance, created_at, version, access_count, last_accessed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(snap.Type), snap.Content, snap.Energy, snap.Resonance,
			snap.Timestamp.UTC().Format(time.RFC3339Nano), snap.Version, snap.AccessCount, lastAccessed)
	} else if snap.AccessCount > state.accessCount {
		_, err = tx.ExecContext(ctx, `UPDATE memories SET type = ?, content = ?, energy = ?, resonance = ?,
			version = ?, access_count = ?, last_accessed = ? WHERE id = ?`,
			string(snap.Type), snap.Content, snap.Energy, snap.Resonance, snap.Version,
			snap.AccessCount, lastAccessed, id)
	} else {
		// access stats recorded since the memory was read win
		_, err = tx.ExecContext(ctx, `UPDATE memories SET type = ?, content = ?, energy = ?, resonance = ?,
			version = ? WHERE id = ?`,
			string(snap.Type), snap.Content, snap.Energy, snap.Resonance, snap.Version, id)
	}
	if err != nil {
		return pkgerrors.NewDatabaseError("write memory", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		return pkgerrors.NewDatabaseError("clear tags", err)
	}
	for _, tag := range snap.Tags {
		if _, err = tx.ExecContext(ctx, `INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return pkgerrors.NewDatabaseError("write tag", err)
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM memory_connections WHERE memory_id = ?`, id); err != nil {
		return pkgerrors.NewDatabaseError("clear connections", err)
	}
	for _, peer := range snap.Connections {
		if _, err = tx.ExecContext(ctx, `INSERT INTO memory_connections (memory_id, peer_id) VALUES (?, ?)`, id, peer.String()); err != nil {
			return pkgerrors.NewDatabaseError("write connection", err)
		}
	}
	return nil
}

func (r *MemoryRepository) applyDelete(ctx context.Context, tx *sql.Tx, del ports.Delete) error {
	id := del.ID.String()
	if del.ExpectedVersion != 0 {
		state, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		if state.exists && state.version != del.ExpectedVersion {
			return pkgerrors.NewConflictError(fmt.Sprintf("memory %s is at version %d, expected %d", id, state.version, del.ExpectedVersion))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return pkgerrors.NewDatabaseError("delete memory", err)
	}
	return nil
}

func (r *MemoryRepository) RecordAccess(ctx context.Context, id valueobjects.MemoryID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return pkgerrors.NewDatabaseError("record access", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.NewDatabaseError("record access", err)
	}
	if n == 0 {
		return pkgerrors.NewNotFoundError("memory " + id.String())
	}
	return nil
}
