package circuit

import (
	"sync"
	"time"
)

// DefaultBackendCooldown is how long the backend circuit stays open after a
// connectivity failure.
const DefaultBackendCooldown = 30 * time.Second

// BackendState is the status view of the backend circuit.
type BackendState struct {
	IsOpen   bool      `json:"is_open"`
	Reason   string    `json:"reason,omitempty"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Backend is the shared backend-availability signal consulted before running
// database-dependent workers.
type Backend struct {
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	open     bool
	reason   string
	openedAt time.Time
}

// NewBackend creates a closed backend circuit. Only the Cooldown of WithConfig
// is used.
func NewBackend(opts ...Option) *Backend {
	o := buildOptions(Config{Threshold: 1, Cooldown: DefaultBackendCooldown}, opts)
	return &Backend{cooldown: o.cfg.Cooldown, now: o.now}
}

// IsCircuitOpen reports whether the backend is considered unavailable. The
// circuit closes by itself once the cooldown has elapsed.
func (b *Backend) IsCircuitOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.reason = ""
		return false
	}
	return true
}

// OpenCircuit marks the backend unavailable. It reports true when the circuit
// was closed before the call. Reopening an open circuit keeps the original
// opening time so a burst of failures does not extend the cooldown.
func (b *Backend) OpenCircuit(reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.open = true
	b.reason = reason
	b.openedAt = b.now()
	return true
}

// Close marks the backend available again.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.reason = ""
}

// State returns the current backend circuit state.
func (b *Backend) State() BackendState {
	open := b.IsCircuitOpen()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackendState{IsOpen: open, Reason: b.reason, OpenedAt: b.openedAt}
}
