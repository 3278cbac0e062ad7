package circuit

import (
	"sync"
	"time"
)

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	// Default: 3
	Threshold int

	// Cooldown is how long an open breaker stays open before it resets.
	// Default: 10m
	Cooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  10 * time.Minute,
	}
}

// State is the breaker state of one entity.
type State struct {
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at"`
	IsOpen        bool      `json:"is_open"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Option configures a Registry or a Backend.
type Option interface {
	applyCircuit(*options)
}

type options struct {
	cfg Config
	now func() time.Time
}

type circuitOptionFunc func(*options)

func (f circuitOptionFunc) applyCircuit(o *options) { f(o) }

// WithConfig sets threshold and cooldown.
func WithConfig(cfg Config) Option {
	return circuitOptionFunc(func(o *options) {
		o.cfg = cfg
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return circuitOptionFunc(func(o *options) {
		o.now = now
	})
}

func buildOptions(def Config, opts []Option) options {
	o := options{cfg: def, now: time.Now}
	for _, opt := range opts {
		opt.applyCircuit(&o)
	}
	if o.cfg.Threshold <= 0 {
		o.cfg.Threshold = 1
	}
	return o
}

// Registry holds one breaker per entity key (a bot ID or a pipeline name).
type Registry struct {
	opts options

	mu     sync.Mutex
	states map[string]State
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:   buildOptions(DefaultConfig(), opts),
		states: make(map[string]State),
	}
}

// RecordFailure counts a failure for key. It reports true when this failure
// opened the breaker.
func (r *Registry) RecordFailure(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now()
	st := r.states[key]
	st.Failures++
	st.LastFailureAt = now
	opened := false
	if !st.IsOpen && st.Failures >= r.opts.cfg.Threshold {
		st.IsOpen = true
		st.OpenedAt = now
		opened = true
	}
	r.states[key] = st
	return opened
}

// RecordSuccess closes the breaker of key and clears its count. It reports
// whether there was anything to reset.
func (r *Registry) RecordSuccess(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, had := r.states[key]
	delete(r.states, key)
	return had
}

// IsOpen reports whether the breaker of key is open. A breaker whose cooldown
// has elapsed is reset and reported closed.
func (r *Registry) IsOpen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[key]
	if !ok || !st.IsOpen {
		return false
	}
	if r.opts.now().Sub(st.OpenedAt) >= r.opts.cfg.Cooldown {
		delete(r.states, key)
		return false
	}
	return true
}

// Failures returns the consecutive failure count of key.
func (r *Registry) Failures(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key].Failures
}

// Snapshot returns a copy of every tracked breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}
