package queue

import (
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// Options holds configuration for a single enqueue.
type Options struct {
	Priority  int
	UniqueKey string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the job priority (higher = claimed first).
// Values are clamped to [-MaxPriority, MaxPriority].
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = security.ClampPriority(p)
	})
}

// Unique ensures at most one QUEUED or RUNNING job carries key.
func Unique(key string) Option {
	return optionFunc(func(o *Options) {
		o.UniqueKey = key
	})
}

// UniqueKey is the per-bot deduplication key the engine uses for a job type.
func UniqueKey(botID string, t core.JobType) string {
	return security.LockKey(botID, string(t))
}

// PerBot deduplicates on the bot and job type.
func PerBot(botID string, t core.JobType) Option {
	return Unique(UniqueKey(botID, t))
}
