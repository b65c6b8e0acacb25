// Package lock implements durable process locks: uniquely-keyed records
// that serialize named long-running jobs across worker processes, with
// TTL-based staleness recovery.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/catalog-service/internal/model"
)

// Store persists process locks. A partial unique index on
// (task_name) WHERE status = 'processing' enforces the at-most-one-holder
// invariant at the database level.
type Store interface {
	// TryInsert atomically creates a processing row for lock.TaskName.
	// Returns false (and no error) when a processing row already exists.
	TryInsert(ctx context.Context, lock model.ProcessLock) (bool, error)
	// Get returns the current processing row for taskName, or nil.
	Get(ctx context.Context, taskName string) (*model.ProcessLock, error)
	// RecordError attaches an error message to the processing row.
	RecordError(ctx context.Context, taskName, msg string) error
	// Delete removes the processing row. Missing row is a no-op.
	Delete(ctx context.Context, taskName string) error
	// DeleteStale removes processing rows started before cutoff and
	// returns the count removed.
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
	// ListByParent returns all processing rows carrying parentID.
	ListByParent(ctx context.Context, parentID string) ([]model.ProcessLock, error)
	// DeleteByParent removes all processing rows carrying parentID and
	// returns the count removed.
	DeleteByParent(ctx context.Context, parentID string) (int, error)
}

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) TryInsert(ctx context.Context, l model.ProcessLock) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO process_locks (task_name, instance_id, parent_id, status, started_at)
		 VALUES ($1, $2, $3, 'processing', NOW())
		 ON CONFLICT (task_name) WHERE status = 'processing' DO NOTHING`,
		l.TaskName, l.InstanceID, l.ParentID,
	)
	if err != nil {
		return false, fmt.Errorf("insert process lock %q: %w", l.TaskName, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) Get(ctx context.Context, taskName string) (*model.ProcessLock, error) {
	var l model.ProcessLock
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_name, instance_id, parent_id, status, started_at, completed_at, error, retry_count
		 FROM process_locks
		 WHERE task_name = $1 AND status = 'processing'`,
		taskName,
	).Scan(&l.ID, &l.TaskName, &l.InstanceID, &l.ParentID, &l.Status,
		&l.StartedAt, &l.CompletedAt, &l.Error, &l.RetryCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get process lock %q: %w", taskName, err)
	}
	return &l, nil
}

func (s *PGStore) RecordError(ctx context.Context, taskName, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE process_locks SET error = $2, retry_count = retry_count + 1
		 WHERE task_name = $1 AND status = 'processing'`,
		taskName, msg,
	)
	if err != nil {
		return fmt.Errorf("record lock error %q: %w", taskName, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, taskName string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM process_locks WHERE task_name = $1 AND status = 'processing'`,
		taskName,
	)
	if err != nil {
		return fmt.Errorf("delete process lock %q: %w", taskName, err)
	}
	return nil
}

func (s *PGStore) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM process_locks WHERE status = 'processing' AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) ListByParent(ctx context.Context, parentID string) ([]model.ProcessLock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_name, instance_id, parent_id, status, started_at, completed_at, error, retry_count
		 FROM process_locks
		 WHERE parent_id = $1 AND status = 'processing'`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list locks by parent %q: %w", parentID, err)
	}
	defer rows.Close()

	var locks []model.ProcessLock
	for rows.Next() {
		var l model.ProcessLock
		if err := rows.Scan(&l.ID, &l.TaskName, &l.InstanceID, &l.ParentID, &l.Status,
			&l.StartedAt, &l.CompletedAt, &l.Error, &l.RetryCount); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (s *PGStore) DeleteByParent(ctx context.Context, parentID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM process_locks WHERE parent_id = $1 AND status = 'processing'`,
		parentID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete locks by parent %q: %w", parentID, err)
	}
	return int(tag.RowsAffected()), nil
}
