package lock_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jobmate/catalog-service/internal/lock"
	"jobmate/catalog-service/internal/model"
)

// memStore is an in-memory Store with the same atomicity contract as the
// partial unique index: one processing row per task name.
type memStore struct {
	mu    sync.Mutex
	seq   int
	byKey map[string]*model.ProcessLock
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]*model.ProcessLock)}
}

func (m *memStore) TryInsert(_ context.Context, l model.ProcessLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.byKey[l.TaskName]; held {
		return false, nil
	}
	m.seq++
	l.ID = fmt.Sprintf("lock-%d", m.seq)
	l.Status = model.LockProcessing
	l.StartedAt = time.Now()
	m.byKey[l.TaskName] = &l
	return true, nil
}

func (m *memStore) Get(_ context.Context, taskName string) (*model.ProcessLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byKey[taskName]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) RecordError(_ context.Context, taskName, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byKey[taskName]; ok {
		l.Error = msg
		l.RetryCount++
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, taskName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, taskName)
	return nil
}

func (m *memStore) DeleteStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, l := range m.byKey {
		if l.StartedAt.Before(cutoff) {
			delete(m.byKey, name)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListByParent(_ context.Context, parentID string) ([]model.ProcessLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProcessLock
	for _, l := range m.byKey {
		if l.ParentID == parentID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memStore) DeleteByParent(_ context.Context, parentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, l := range m.byKey {
		if l.ParentID == parentID {
			delete(m.byKey, name)
			n++
		}
	}
	return n, nil
}

// backdate rewinds a held lock's start time to simulate a crashed owner.
func (m *memStore) backdate(taskName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byKey[taskName]; ok {
		l.StartedAt = l.StartedAt.Add(-d)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// ── Acquire / Release ──────────────────────────────────────────────────────

func TestAcquire_ThenBusy(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "enrich-company:acme", "inst-1", "")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if !first.Acquired {
		t.Fatal("first Acquire should succeed")
	}

	second, err := m.Acquire(ctx, "enrich-company:acme", "inst-2", "")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.Acquired {
		t.Fatal("second Acquire should report busy")
	}
	if second.Holder == nil || second.Holder.InstanceID != "inst-1" {
		t.Errorf("busy result should carry the holder, got %+v", second.Holder)
	}
}

func TestAcquire_MutualExclusionUnderConcurrency(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	ctx := context.Background()

	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		busy     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Acquire(ctx, "enrich-sweep", fmt.Sprintf("inst-%d", i), "")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Acquired {
				acquired++
			} else {
				busy++
			}
		}(i)
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
	if busy != n-1 {
		t.Errorf("busy = %d, want %d", busy, n-1)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "task", "inst-1", ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx, "task", nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing a missing row is a no-op, not an error.
	if err := m.Release(ctx, "task", nil); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	res, err := m.Acquire(ctx, "task", "inst-2", "")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if !res.Acquired {
		t.Error("Acquire after Release should succeed")
	}
}

// ── Stale sweep ────────────────────────────────────────────────────────────

func TestCleanupStale_ReclaimsExactlyOnce(t *testing.T) {
	store := newMemStore()
	m := lock.NewManager(store, testLogger())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "enrich-company:acme", "crashed", ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	store.backdate("enrich-company:acme", 2*time.Hour)

	n, err := m.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	n, err = m.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("second CleanupStale: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep reclaimed = %d, want 0", n)
	}

	res, err := m.Acquire(ctx, "enrich-company:acme", "inst-2", "")
	if err != nil {
		t.Fatalf("Acquire after sweep: %v", err)
	}
	if !res.Acquired {
		t.Error("Acquire after stale reclaim should succeed")
	}
}

func TestCleanupStale_LeavesFreshLocks(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "task", "inst-1", ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	n, err := m.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0; lock is fresh", n)
	}
}

func TestCleanupStale_RejectsNonPositiveThreshold(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	if _, err := m.CleanupStale(context.Background(), 0); err == nil {
		t.Error("CleanupStale(0) expected error, got nil")
	}
}

// ── Parent correlation ─────────────────────────────────────────────────────

func TestReleaseByParent(t *testing.T) {
	m := lock.NewManager(newMemStore(), testLogger())
	ctx := context.Background()

	for _, c := range []string{"acme", "globex"} {
		if _, err := m.Acquire(ctx, "enrich-company:"+c, "child-"+c, "sweep-1"); err != nil {
			t.Fatalf("Acquire %s: %v", c, err)
		}
	}
	if _, err := m.Acquire(ctx, "enrich-company:initech", "standalone", ""); err != nil {
		t.Fatalf("Acquire standalone: %v", err)
	}

	children, err := m.ChildTasks(ctx, "sweep-1")
	if err != nil {
		t.Fatalf("ChildTasks: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}

	n, err := m.ReleaseByParent(ctx, "sweep-1")
	if err != nil {
		t.Fatalf("ReleaseByParent: %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d, want 2", n)
	}

	// Unrelated lock untouched.
	res, err := m.Acquire(ctx, "enrich-company:initech", "other", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Acquired {
		t.Error("standalone lock should still be held")
	}
}

func TestRelease_RecordsErrorBeforeDelete(t *testing.T) {
	store := newMemStore()
	m := lock.NewManager(store, testLogger())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "task", "inst-1", ""); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx, "task", fmt.Errorf("extraction exploded")); err != nil {
		t.Fatalf("Release with error: %v", err)
	}

	held, err := store.Get(ctx, "task")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if held != nil {
		t.Error("lock should be deleted even when the run failed")
	}
}
