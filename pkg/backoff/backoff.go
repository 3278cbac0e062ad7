package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Config controls delay growth for a Registry.
type Config struct {
	// Base is the delay after the first failure.
	// Default: 5s
	Base time.Duration

	// Max caps the delay, jitter included.
	// Default: 5m
	Max time.Duration

	// JitterFraction is the largest random extension of a delay (0.0 to 1.0).
	// Default: 0.3
	JitterFraction float64
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		Base:           5 * time.Second,
		Max:            5 * time.Minute,
		JitterFraction: 0.3,
	}
}

// State is the backoff state of one worker.
type State struct {
	Failures    int           `json:"failures"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	LastDelay   time.Duration `json:"last_delay"`
}

// Option configures a Registry.
type Option interface {
	applyRegistry(*Registry)
}

type registryOptionFunc func(*Registry)

func (f registryOptionFunc) applyRegistry(r *Registry) { f(r) }

// WithConfig sets the delay configuration.
func WithConfig(cfg Config) Option {
	return registryOptionFunc(func(r *Registry) {
		r.cfg = cfg
	})
}

// WithRand sets the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return registryOptionFunc(func(r *Registry) {
		r.rand = fn
	})
}

// Registry holds the backoff state of every worker.
type Registry struct {
	cfg  Config
	rand func() float64

	mu     sync.Mutex
	states map[string]State
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		cfg:    DefaultConfig(),
		rand:   rand.Float64,
		states: make(map[string]State),
	}
	for _, opt := range opts {
		opt.applyRegistry(r)
	}
	return r
}

// Delay returns the un-jittered delay after the given number of consecutive
// failures: Base after the first, doubling each time, capped at Max.
func (r *Registry) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := r.cfg.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= r.cfg.Max || d <= 0 {
			return r.cfg.Max
		}
	}
	if d > r.cfg.Max {
		return r.cfg.Max
	}
	return d
}

// Ready reports whether name may run at now.
func (r *Registry) Ready(name string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	return !ok || !now.Before(st.NextRetryAt)
}

// RecordFailure counts a failure for name and schedules its next attempt.
// Jitter never pushes the delay past Max, so delays are non-decreasing across
// consecutive failures.
func (r *Registry) RecordFailure(name string, now time.Time) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[name]
	st.Failures++
	delay := r.Delay(st.Failures)
	if r.cfg.JitterFraction > 0 {
		delay += time.Duration(float64(delay) * r.cfg.JitterFraction * r.rand())
	}
	if delay > r.cfg.Max {
		delay = r.cfg.Max
	}
	st.LastDelay = delay
	st.NextRetryAt = now.Add(delay)
	r.states[name] = st
	return st
}

// RecordSuccess clears the state of name. It reports whether name had been
// failing.
func (r *Registry) RecordSuccess(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, had := r.states[name]
	delete(r.states, name)
	return had
}

// Get returns the state of name.
func (r *Registry) Get(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	return st, ok
}

// Snapshot returns a copy of every failing worker's state.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}
