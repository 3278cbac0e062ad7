package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/singleflight"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

const mb = 1024 * 1024

// MemoryProbe reports the bytes of memory available for new work.
type MemoryProbe interface {
	Available(ctx context.Context) (uint64, error)
}

// SystemMemory probes host memory through gopsutil.
type SystemMemory struct{}

// Available returns the host's available memory in bytes.
func (SystemMemory) Available(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.Available, nil
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func(ctx context.Context) (uint64, error)

// Available calls f.
func (f ProbeFunc) Available(ctx context.Context) (uint64, error) { return f(ctx) }

// Config holds the sizing parameters.
type Config struct {
	// SafetyMargin is the fraction of available memory the governor hands out.
	// Default: 0.7
	SafetyMargin float64 `yaml:"safety_margin" validate:"omitempty,gt=0,lte=1"`

	// HeavyCostMB is the expected footprint of one heavy job.
	// Default: 2048
	HeavyCostMB uint64 `yaml:"heavy_cost_mb"`

	// LightCostMB is the expected footprint of one light job.
	// Default: 512
	LightCostMB uint64 `yaml:"light_cost_mb"`

	// ReservedForLightMB is kept back from heavy jobs so light work never starves.
	// Default: 1024
	ReservedForLightMB uint64 `yaml:"reserved_for_light_mb"`

	// Default: 1
	MinHeavy int `yaml:"min_heavy" validate:"gte=0"`
	// Default: 4
	MaxHeavy int `yaml:"max_heavy" validate:"gte=0"`
	// Default: 1
	MinLight int `yaml:"min_light" validate:"gte=0"`
	// Default: 8
	MaxLight int `yaml:"max_light" validate:"gte=0"`

	// TTL is how long a computed result is reused.
	// Default: 30s
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the default sizing parameters.
func DefaultConfig() Config {
	return Config{
		SafetyMargin:       0.7,
		HeavyCostMB:        2048,
		LightCostMB:        512,
		ReservedForLightMB: 1024,
		MinHeavy:           1,
		MaxHeavy:           4,
		MinLight:           1,
		MaxLight:           8,
		TTL:                30 * time.Second,
	}
}

// Slots is the concurrency headroom per job class.
type Slots struct {
	Heavy       int       `json:"heavy"`
	Light       int       `json:"light"`
	AvailableMB uint64    `json:"available_mb"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Compute derives slots from availableBytes. It is pure.
func Compute(cfg Config, availableBytes uint64) Slots {
	usable := float64(availableBytes/mb) * cfg.SafetyMargin

	heavy := cfg.MinHeavy
	if cfg.HeavyCostMB > 0 {
		heavy = security.ClampConcurrency(
			int(math.Floor((usable-float64(cfg.ReservedForLightMB))/float64(cfg.HeavyCostMB))),
			cfg.MinHeavy, cfg.MaxHeavy)
	}

	light := cfg.MinLight
	if cfg.LightCostMB > 0 {
		rest := usable - float64(heavy)*float64(cfg.HeavyCostMB)
		light = security.ClampConcurrency(
			int(math.Floor(rest/float64(cfg.LightCostMB))),
			cfg.MinLight, cfg.MaxLight)
	}

	return Slots{Heavy: heavy, Light: light, AvailableMB: availableBytes / mb}
}

// Governor caches slot computations.
type Governor struct {
	cfg      Config
	probe    MemoryProbe
	logger   *slog.Logger
	metrics  *metrics.Metrics
	activity core.ActivityLog
	now      func() time.Time

	flight singleflight.Group

	mu      sync.Mutex
	current Slots
	valid   bool
	logged  Slots
}

// Option configures a Governor.
type Option interface {
	applyGovernor(*Governor)
}

type governorOptionFunc func(*Governor)

func (f governorOptionFunc) applyGovernor(g *Governor) { f(g) }

// WithConfig sets the sizing parameters. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return governorOptionFunc(func(g *Governor) {
		d := g.cfg
		if cfg.SafetyMargin > 0 {
			d.SafetyMargin = cfg.SafetyMargin
		}
		if cfg.HeavyCostMB > 0 {
			d.HeavyCostMB = cfg.HeavyCostMB
		}
		if cfg.LightCostMB > 0 {
			d.LightCostMB = cfg.LightCostMB
		}
		if cfg.ReservedForLightMB > 0 {
			d.ReservedForLightMB = cfg.ReservedForLightMB
		}
		if cfg.MinHeavy > 0 {
			d.MinHeavy = cfg.MinHeavy
		}
		if cfg.MaxHeavy > 0 {
			d.MaxHeavy = cfg.MaxHeavy
		}
		if cfg.MinLight > 0 {
			d.MinLight = cfg.MinLight
		}
		if cfg.MaxLight > 0 {
			d.MaxLight = cfg.MaxLight
		}
		if cfg.TTL > 0 {
			d.TTL = cfg.TTL
		}
		g.cfg = d
	})
}

// WithProbe replaces the gopsutil memory probe.
func WithProbe(p MemoryProbe) Option {
	return governorOptionFunc(func(g *Governor) {
		if p != nil {
			g.probe = p
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return governorOptionFunc(func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	})
}

// WithMetrics publishes slot gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return governorOptionFunc(func(g *Governor) { g.metrics = m })
}

// WithActivity records slot changes in the activity log.
func WithActivity(a core.ActivityLog) Option {
	return governorOptionFunc(func(g *Governor) { g.activity = a })
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return governorOptionFunc(func(g *Governor) {
		if now != nil {
			g.now = now
		}
	})
}

// New creates a Governor.
func New(opts ...Option) *Governor {
	g := &Governor{
		cfg:    DefaultConfig(),
		probe:  SystemMemory{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyGovernor(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Governor) Config() Config { return g.cfg }

// Slots returns the current headroom, probing memory at most once per TTL.
// When the probe fails the last known value is returned along with the error;
// with no previous value the configured minimums are used.
func (g *Governor) Slots(ctx context.Context) (Slots, error) {
	g.mu.Lock()
	if g.valid && g.now().Sub(g.current.ComputedAt) < g.cfg.TTL {
		s := g.current
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	v, err, _ := g.flight.Do("slots", func() (any, error) {
		return g.refresh(ctx)
	})
	if err != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.valid {
			return g.current, err
		}
		return Slots{Heavy: g.cfg.MinHeavy, Light: g.cfg.MinLight, ComputedAt: g.now()}, err
	}
	return v.(Slots), nil
}

// Peek returns the cached value without probing.
func (g *Governor) Peek() (Slots, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.valid
}

func (g *Governor) refresh(ctx context.Context) (Slots, error) {
	avail, err := g.probe.Available(ctx)
	if err != nil {
		g.logger.Warn("memory probe failed", "error", err)
		return Slots{}, err
	}
	s := Compute(g.cfg, avail)
	s.ComputedAt = g.now()

	g.mu.Lock()
	changed := !g.valid || s.Heavy != g.logged.Heavy || s.Light != g.logged.Light
	g.current = s
	g.valid = true
	if changed {
		g.logged = s
	}
	g.mu.Unlock()

	g.metrics.SetSlots(s.Heavy, s.Light)
	if !changed {
		return s, nil
	}
	g.logger.Info("concurrency slots changed",
		"heavy", s.Heavy,
		"light", s.Light,
		"available_mb", s.AvailableMB,
	)
	if g.activity != nil {
		g.activity.Log(ctx, core.ActivityEntry{
			EventType: core.EventConcurrency,
			Severity:  core.SeverityInfo,
			Title:     "Concurrency slots changed",
			Summary:   fmt.Sprintf("heavy=%d light=%d with %d MB available", s.Heavy, s.Light, s.AvailableMB),
			Payload:   map[string]any{"heavy": s.Heavy, "light": s.Light, "available_mb": s.AvailableMB},
		})
	}
	return s, nil
}
