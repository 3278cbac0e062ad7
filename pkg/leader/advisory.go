package leader

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"

	"gorm.io/gorm"
)

// AdvisoryElector holds leadership through a PostgreSQL session advisory lock
// on a connection pinned for as long as this process leads. Losing the
// connection loses the lock, so renewal is a liveness check on that
// connection.
type AdvisoryElector struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

var _ Elector = (*AdvisoryElector)(nil)

// AdvisoryKey derives the advisory lock key from a name.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// NewAdvisoryElector creates an elector on the PostgreSQL connection pool of
// db.
func NewAdvisoryElector(db *gorm.DB, name string) (*AdvisoryElector, error) {
	if db.Dialector == nil || db.Dialector.Name() != "postgres" {
		return nil, errors.New("leader: advisory election requires PostgreSQL")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	return &AdvisoryElector{db: sqlDB, key: AdvisoryKey(name)}, nil
}

// TryAcquire verifies the pinned connection when leading, otherwise attempts
// pg_try_advisory_lock on a fresh pinned connection.
func (e *AdvisoryElector) TryAcquire(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if err := e.conn.PingContext(ctx); err != nil {
			_ = e.conn.Close()
			e.conn = nil
			return false, err
		}
		return true, nil
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	e.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection.
func (e *AdvisoryElector) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	_, err := e.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.key)
	closeErr := e.conn.Close()
	e.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// IsLeader reports whether the advisory lock connection is held.
func (e *AdvisoryElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}
