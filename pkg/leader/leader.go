package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Elector decides whether this process is the leader.
type Elector interface {
	// TryAcquire acquires or renews leadership. It returns false, and possibly
	// an error, when this process is not the leader after the call.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives up leadership.
	Release(ctx context.Context) error
	// IsLeader reports the last known leadership state.
	IsLeader() bool
}

// Static is the single-instance elector: the process is always the leader.
type Static struct {
	released atomic.Bool
}

var _ Elector = (*Static)(nil)

// NewStatic creates an always-leader elector.
func NewStatic() *Static { return &Static{} }

func (s *Static) TryAcquire(context.Context) (bool, error) {
	s.released.Store(false)
	return true, nil
}

func (s *Static) Release(context.Context) error {
	s.released.Store(true)
	return nil
}

func (s *Static) IsLeader() bool { return !s.released.Load() }

// LeaseConfig configures a LeaseElector.
type LeaseConfig struct {
	// Name identifies the lease row shared by all candidates.
	// Default: "fleet-leader"
	Name string

	// Holder identifies this process.
	// Default: a random UUID
	Holder string

	// TTL is how long a lease stays valid without renewal.
	// Default: 30s
	TTL time.Duration
}

// DefaultLeaseConfig returns the default lease configuration.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Name:   "fleet-leader",
		Holder: uuid.New().String(),
		TTL:    30 * time.Second,
	}
}

// LeaseElector holds leadership through a storage lease that must be renewed
// before it expires.
type LeaseElector struct {
	store core.LeaseStore
	cfg   LeaseConfig
	now   func() time.Time

	mu         sync.Mutex
	validUntil time.Time
}

var _ Elector = (*LeaseElector)(nil)

// NewLeaseElector creates a lease-based elector. now may be nil.
func NewLeaseElector(store core.LeaseStore, cfg LeaseConfig, now func() time.Time) *LeaseElector {
	def := DefaultLeaseConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Holder == "" {
		cfg.Holder = def.Holder
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if now == nil {
		now = time.Now
	}
	return &LeaseElector{store: store, cfg: cfg, now: now}
}

// Holder returns the identity this elector campaigns with.
func (e *LeaseElector) Holder() string { return e.cfg.Holder }

// TryAcquire acquires or renews the lease. Any failure revokes leadership
// immediately.
func (e *LeaseElector) TryAcquire(ctx context.Context) (bool, error) {
	start := e.now()
	ok, err := e.store.AcquireLease(ctx, e.cfg.Name, e.cfg.Holder, e.cfg.TTL)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil || !ok {
		e.validUntil = time.Time{}
		return false, err
	}
	// Measured from before the round trip so the local view never outlives
	// the stored lease.
	e.validUntil = start.Add(e.cfg.TTL)
	return true, nil
}

// Release deletes the lease if this process still holds it.
func (e *LeaseElector) Release(ctx context.Context) error {
	e.mu.Lock()
	e.validUntil = time.Time{}
	e.mu.Unlock()
	return e.store.ReleaseLease(ctx, e.cfg.Name, e.cfg.Holder)
}

// IsLeader reports whether the last renewal is still within its TTL.
func (e *LeaseElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Before(e.validUntil)
}

// Campaign drives elector until ctx is done. Every interval it acquires or
// renews leadership. onElected runs when leadership is gained, with a context
// cancelled on revocation. onRevoked runs synchronously when leadership is
// lost or the campaign ends, before the next acquisition attempt.
func Campaign(ctx context.Context, elector Elector, interval time.Duration, onElected func(context.Context), onRevoked func()) error {
	var (
		leading      bool
		cancelLeader context.CancelFunc = func() {}
	)

	revoke := func() {
		if !leading {
			return
		}
		leading = false
		cancelLeader()
		if onRevoked != nil {
			onRevoked()
		}
	}

	attempt := func() {
		ok, _ := elector.TryAcquire(ctx)
		switch {
		case ok && !leading:
			leading = true
			var leaderCtx context.Context
			leaderCtx, cancelLeader = context.WithCancel(ctx)
			if onElected != nil {
				onElected(leaderCtx)
			}
		case !ok && leading:
			revoke()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempt()
	for {
		select {
		case <-ctx.Done():
			revoke()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = elector.Release(releaseCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			attempt()
		}
	}
}
