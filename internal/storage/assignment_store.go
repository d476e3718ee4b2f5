package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/meridian/internal/wire"
)

// AssignmentStore is the asynchronous persistence target for the shard
// manager's authoritative ShardId -> RunnerAddress map (spec.md §4.1:
// "three in-memory structures ... each persisted asynchronously to
// ShardStorage"). It is intentionally minimal: the shard manager owns the
// in-memory map and treats this purely as a crash-recovery snapshot.
type AssignmentStore interface {
	// Save persists the full assignment snapshot, overwriting whatever
	// was there before. A nil address in assignments means unassigned.
	Save(ctx context.Context, assignments map[wire.ShardId]*wire.RunnerAddress) error

	// Load returns the last saved snapshot, or an empty map if none was
	// ever saved.
	Load(ctx context.Context) (map[wire.ShardId]*wire.RunnerAddress, error)
}

// MemoryAssignmentStore is the in-memory AssignmentStore, suitable for
// tests and single-process deployments where crash recovery doesn't
// matter.
type MemoryAssignmentStore struct {
	mu          sync.Mutex
	assignments map[wire.ShardId]*wire.RunnerAddress
}

// NewMemoryAssignmentStore returns an empty in-memory AssignmentStore.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[wire.ShardId]*wire.RunnerAddress)}
}

func (s *MemoryAssignmentStore) Save(ctx context.Context, assignments map[wire.ShardId]*wire.RunnerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[wire.ShardId]*wire.RunnerAddress, len(assignments))
	for shard, addr := range assignments {
		if addr == nil {
			snapshot[shard] = nil
			continue
		}
		a := *addr
		snapshot[shard] = &a
	}
	s.assignments = snapshot
	return nil
}

func (s *MemoryAssignmentStore) Load(ctx context.Context) (map[wire.ShardId]*wire.RunnerAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[wire.ShardId]*wire.RunnerAddress, len(s.assignments))
	for shard, addr := range s.assignments {
		if addr == nil {
			out[shard] = nil
			continue
		}
		a := *addr
		out[shard] = &a
	}
	return out, nil
}

// SQLAssignmentStore persists the assignment snapshot in the same sqlite
// database as SQLMessageStorage/SQLRunnerStorage.
type SQLAssignmentStore struct {
	db *sql.DB
}

// NewSQLAssignmentStore wraps an already-opened, schema-applied database
// handle.
func NewSQLAssignmentStore(db *sql.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

const assignmentSchema = `
CREATE TABLE IF NOT EXISTS shard_assignments (
	shard_group TEXT NOT NULL,
	shard_id    INTEGER NOT NULL,
	owner_host  TEXT,
	owner_port  INTEGER,
	PRIMARY KEY (shard_group, shard_id)
);
`

func (s *SQLAssignmentStore) Save(ctx context.Context, assignments map[wire.ShardId]*wire.RunnerAddress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin save assignments")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, assignmentSchema); err != nil {
		return errors.Wrap(err, "storage: apply assignment schema")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM shard_assignments`); err != nil {
		return errors.Wrap(err, "storage: clear assignments")
	}
	for shard, addr := range assignments {
		var host sql.NullString
		var port sql.NullInt64
		if addr != nil {
			host = sql.NullString{String: addr.Host, Valid: true}
			port = sql.NullInt64{Int64: int64(addr.Port), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shard_assignments (shard_group, shard_id, owner_host, owner_port) VALUES (?, ?, ?, ?)`,
			shard.Group, shard.ID, host, port); err != nil {
			return errors.Wrap(err, "storage: save assignment")
		}
	}
	return tx.Commit()
}

func (s *SQLAssignmentStore) Load(ctx context.Context) (map[wire.ShardId]*wire.RunnerAddress, error) {
	if _, err := s.db.ExecContext(ctx, assignmentSchema); err != nil {
		return nil, errors.Wrap(err, "storage: apply assignment schema")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT shard_group, shard_id, owner_host, owner_port FROM shard_assignments`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: load assignments")
	}
	defer rows.Close()

	out := make(map[wire.ShardId]*wire.RunnerAddress)
	for rows.Next() {
		var shard wire.ShardId
		var host sql.NullString
		var port sql.NullInt64
		if err := rows.Scan(&shard.Group, &shard.ID, &host, &port); err != nil {
			return nil, errors.Wrap(err, "storage: scan assignment")
		}
		if host.Valid && port.Valid {
			out[shard] = &wire.RunnerAddress{Host: host.String, Port: int(port.Int64)}
		} else {
			out[shard] = nil
		}
	}
	return out, rows.Err()
}
