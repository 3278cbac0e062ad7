package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// Result is the outcome of an acquisition attempt.
type Result struct {
	// Acquired is true when the caller now holds the lock.
	Acquired bool
	// Degraded is true when the lock service was unreachable. The caller may
	// proceed but must rely on conditional statements for exclusion.
	Degraded bool
	// LockID is the owner token to pass to Release.
	LockID string
}

// Proceed reports whether the caller may perform the guarded action.
func (r Result) Proceed() bool {
	return r.Acquired || r.Degraded
}

// Locker is a mutual-exclusion primitive keyed by string with a TTL.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Result, error)
	Release(ctx context.Context, key, lockID string) error
}

// StoreLocker implements Locker on storage lock rows.
type StoreLocker struct {
	store  core.LockStore
	logger *slog.Logger
}

var _ Locker = (*StoreLocker)(nil)

// NewStoreLocker creates a lock backed by store.
func NewStoreLocker(store core.LockStore, logger *slog.Logger) *StoreLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLocker{store: store, logger: logger}
}

// Acquire tries to take key for ttl. When the store fails the result is
// Degraded instead of an error.
func (l *StoreLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	key = security.LockKey(key)
	lockID := uuid.New().String()

	ok, err := l.store.TryLock(ctx, key, lockID, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		l.logger.Warn("lock service unavailable, proceeding degraded", "key", key, "error", err)
		return Result{Degraded: true, LockID: lockID}, nil
	}
	if !ok {
		return Result{}, nil
	}
	return Result{Acquired: true, LockID: lockID}, nil
}

// Release frees key if lockID still owns it. Releasing a lock that has
// expired or been taken over is not an error.
func (l *StoreLocker) Release(ctx context.Context, key, lockID string) error {
	if lockID == "" {
		return nil
	}
	key = security.LockKey(key)
	released, err := l.store.Unlock(ctx, key, lockID)
	if err != nil {
		return err
	}
	if !released {
		l.logger.Debug("lock already released or taken over", "key", key)
	}
	return nil
}

// MemoryLocker implements Locker in process memory. It is suitable for
// single-process deployments and tests.
type MemoryLocker struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	id        string
	expiresAt time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an in-memory lock. now may be nil.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{now: now, locks: make(map[string]memoryLock)}
}

// Acquire takes key unless it is held and unexpired.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return Result{}, nil
	}
	id := uuid.New().String()
	l.locks[key] = memoryLock{id: id, expiresAt: now.Add(ttl)}
	return Result{Acquired: true, LockID: id}, nil
}

// Release frees key if lockID still owns it.
func (l *MemoryLocker) Release(_ context.Context, key, lockID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.id == lockID {
		delete(l.locks, key)
	}
	return nil
}
