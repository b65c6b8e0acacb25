package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobmate/catalog-service/internal/model"
)

// AcquireResult is the outcome of an Acquire call. Contention is an
// expected concurrency signal, so a held lock comes back as Busy rather
// than an error.
type AcquireResult struct {
	Acquired bool
	// Lock is the row created for the caller when Acquired is true.
	Lock *model.ProcessLock
	// Holder is the current owner when Acquired is false. May be nil if
	// the holder released between the insert attempt and the lookup.
	Holder *model.ProcessLock
}

// Manager coordinates process locks on top of a Store.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager returns a Manager over store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Acquire attempts to take the lock for taskName on behalf of instanceID.
// parentID is the correlation id of the coordinating task, or "" for
// standalone tasks.
func (m *Manager) Acquire(ctx context.Context, taskName, instanceID, parentID string) (AcquireResult, error) {
	ok, err := m.store.TryInsert(ctx, model.ProcessLock{
		TaskName:   taskName,
		InstanceID: instanceID,
		ParentID:   parentID,
	})
	if err != nil {
		return AcquireResult{}, err
	}
	if !ok {
		holder, err := m.store.Get(ctx, taskName)
		if err != nil {
			return AcquireResult{}, err
		}
		return AcquireResult{Acquired: false, Holder: holder}, nil
	}

	l, err := m.store.Get(ctx, taskName)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: true, Lock: l}, nil
}

// Release frees the lock for taskName. Idempotent: a missing row is a
// no-op. When runErr is non-nil the error text is recorded on the row
// first so the failure is visible in lifecycle diagnostics.
//
// Callers must invoke Release on every exit path, typically via defer,
// so a crash between work and release is the only way a lock outlives
// its owner.
func (m *Manager) Release(ctx context.Context, taskName string, runErr error) error {
	if runErr != nil {
		if err := m.store.RecordError(ctx, taskName, runErr.Error()); err != nil {
			m.logger.Warn("record lock error failed", "task", taskName, "error", err)
		}
	}
	return m.store.Delete(ctx, taskName)
}

// CleanupStale reclaims processing locks started more than olderThan ago.
// A reclaimed lock means its owner crashed without releasing; the next
// Acquire for that task name will succeed.
func (m *Manager) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("stale threshold must be positive, got %v", olderThan)
	}
	n, err := m.store.DeleteStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Warn("reclaimed stale process locks", "count", n, "olderThan", olderThan.String())
	}
	return n, nil
}

// ChildTasks returns the processing locks whose parent_id is parentID.
func (m *Manager) ChildTasks(ctx context.Context, parentID string) ([]model.ProcessLock, error) {
	return m.store.ListByParent(ctx, parentID)
}

// ReleaseByParent force-releases every lock held under parentID. Used by
// chain cancellation so a stuck coordinator cannot permanently block
// future runs.
func (m *Manager) ReleaseByParent(ctx context.Context, parentID string) (int, error) {
	return m.store.DeleteByParent(ctx, parentID)
}
