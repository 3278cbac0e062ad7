package promotion

import (
	"log/slog"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// Config holds the non-gate parameters of the machine.
type Config struct {
	// DemoteScoreFloor demotes a bot whose autonomy score falls below it.
	// Default: 40
	DemoteScoreFloor float64 `yaml:"demote_score_floor" validate:"gte=0,lte=100"`

	// DemoteDrawdown demotes a bot whose drawdown exceeds it.
	// Default: 0.25
	DemoteDrawdown float64 `yaml:"demote_drawdown" validate:"gte=0,lte=1"`

	// DemoteLoss demotes a bot whose net P&L is at or below -DemoteLoss.
	// Default: 1000
	DemoteLoss float64 `yaml:"demote_loss" validate:"gte=0"`

	// StageLock is applied after every automatic transition.
	// Default: 6h
	StageLock time.Duration `yaml:"stage_lock"`

	// HoldSuppression is how long an unchanged HOLD stays quiet.
	// Default: 1h
	HoldSuppression time.Duration `yaml:"hold_suppression"`

	// RevertDecline is the fractional Sharpe decline from a recent peak that
	// triggers an auto-revert.
	// Default: 0.20
	RevertDecline float64 `yaml:"revert_decline" validate:"gte=0,lte=1"`

	// RevertWindow is how many recent generations are searched for a peak.
	// Default: 10
	RevertWindow int `yaml:"revert_window" validate:"gte=0"`

	// MaxCellAge bounds how old the best matrix cell may be to count for the
	// failsafe. Zero leaves it unbounded.
	// Default: 0
	MaxCellAge time.Duration `yaml:"max_cell_age"`
}

// DefaultConfig returns the default machine parameters.
func DefaultConfig() Config {
	return Config{
		DemoteScoreFloor: 40,
		DemoteDrawdown:   0.25,
		DemoteLoss:       1000,
		StageLock:        6 * time.Hour,
		HoldSuppression:  time.Hour,
		RevertDecline:    0.20,
		RevertWindow:     10,
	}
}

// Option configures a Machine.
type Option interface {
	applyMachine(*Machine)
}

type machineOptionFunc func(*Machine)

func (f machineOptionFunc) applyMachine(m *Machine) { f(m) }

// WithConfig replaces the machine parameters. Zero fields keep their defaults
// except MaxCellAge, where zero means unbounded.
func WithConfig(cfg Config) Option {
	return machineOptionFunc(func(m *Machine) {
		d := m.cfg
		if cfg.DemoteScoreFloor > 0 {
			d.DemoteScoreFloor = cfg.DemoteScoreFloor
		}
		if cfg.DemoteDrawdown > 0 {
			d.DemoteDrawdown = cfg.DemoteDrawdown
		}
		if cfg.DemoteLoss > 0 {
			d.DemoteLoss = cfg.DemoteLoss
		}
		if cfg.StageLock > 0 {
			d.StageLock = cfg.StageLock
		}
		if cfg.HoldSuppression > 0 {
			d.HoldSuppression = cfg.HoldSuppression
		}
		if cfg.RevertDecline > 0 {
			d.RevertDecline = cfg.RevertDecline
		}
		if cfg.RevertWindow > 0 {
			d.RevertWindow = cfg.RevertWindow
		}
		d.MaxCellAge = cfg.MaxCellAge
		m.cfg = d
	})
}

// WithGates replaces the gate sets.
func WithGates(g Gates) Option {
	return machineOptionFunc(func(m *Machine) {
		if len(g) > 0 {
			m.gates = g
		}
	})
}

// WithNotifier sets the sink for promotion, demotion, ready-for-live and
// auto-revert notifications.
func WithNotifier(n core.NotificationSink) Option {
	return machineOptionFunc(func(m *Machine) { m.notifier = n })
}

// WithActivity sets the activity log.
func WithActivity(a core.ActivityLog) Option {
	return machineOptionFunc(func(m *Machine) { m.activity = a })
}

// WithMetrics counts decisions.
func WithMetrics(mt *metrics.Metrics) Option {
	return machineOptionFunc(func(m *Machine) { m.metrics = mt })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return machineOptionFunc(func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return machineOptionFunc(func(m *Machine) {
		if now != nil {
			m.now = now
		}
	})
}
