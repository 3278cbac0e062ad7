package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// RecentJobWindow is how many of a bot's latest jobs feed execution health.
const RecentJobWindow = 50

// Store is the storage the scorer reads from and writes to.
type Store interface {
	core.ScoreStore
	CountSessions(ctx context.Context, botID string, succeeded bool) (int64, error)
	GetJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error)
	GetInstances(ctx context.Context, botID string) ([]*core.BotInstance, error)
	ListKillEvents(ctx context.Context, botID string) ([]*core.KillEvent, error)
	ListAudits(ctx context.Context, botID string) ([]*core.PromotionAudit, error)
}

// Scorer computes and persists autonomy scores.
type Scorer struct {
	store    Store
	breakers *circuit.Registry
	activity core.ActivityLog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scorer.
type Option interface {
	applyScorer(*Scorer)
}

type scorerOptionFunc func(*Scorer)

func (f scorerOptionFunc) applyScorer(s *Scorer) { f(s) }

// WithBreakers feeds per-bot restart breaker failures into supervisor trust.
func WithBreakers(r *circuit.Registry) Option {
	return scorerOptionFunc(func(s *Scorer) { s.breakers = r })
}

// WithActivity records tier changes.
func WithActivity(a core.ActivityLog) Option {
	return scorerOptionFunc(func(s *Scorer) { s.activity = a })
}

// WithMetrics publishes the score gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return scorerOptionFunc(func(s *Scorer) { s.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return scorerOptionFunc(func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return scorerOptionFunc(func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	})
}

// NewScorer creates a Scorer.
func NewScorer(store Store, opts ...Option) *Scorer {
	s := &Scorer{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyScorer(s)
	}
	return s
}

// Gather collects the scoring inputs of bot.
func (s *Scorer) Gather(ctx context.Context, bot *core.Bot) (Inputs, error) {
	in := Inputs{
		Stage:   bot.Stage,
		Metrics: bot.Metrics,
		Killed:  bot.IsKilled(),
	}

	completed, err := s.store.CountSessions(ctx, bot.ID, true)
	if err != nil {
		return in, fmt.Errorf("count completed sessions: %w", err)
	}
	failed, err := s.store.CountSessions(ctx, bot.ID, false)
	if err != nil {
		return in, fmt.Errorf("count failed sessions: %w", err)
	}
	in.CompletedBacktests = int(completed)
	in.FailedBacktests = int(failed)

	jobs, err := s.store.GetJobs(ctx, core.JobFilter{BotID: bot.ID, Limit: RecentJobWindow, Newest: true})
	if err != nil {
		return in, fmt.Errorf("recent jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			continue
		}
		in.RecentJobs++
		switch j.Status {
		case core.JobFailed:
			in.RecentFailures++
		case core.JobTimeout:
			in.RecentTimeouts++
		}
	}

	instances, err := s.store.GetInstances(ctx, bot.ID)
	if err != nil {
		return in, fmt.Errorf("instances: %w", err)
	}
	now := s.now()
	for _, inst := range instances {
		if inst.Status == core.InstanceRunning {
			in.RunningInstance = true
			in.HeartbeatAge = now.Sub(inst.LastActivity())
			break
		}
	}

	kills, err := s.store.ListKillEvents(ctx, bot.ID)
	if err != nil {
		return in, fmt.Errorf("kill events: %w", err)
	}
	in.KillEvents = len(kills)

	audits, err := s.store.ListAudits(ctx, bot.ID)
	if err != nil {
		return in, fmt.Errorf("audits: %w", err)
	}
	for _, a := range audits {
		if a.Action == core.ActionDemote {
			in.Demotions++
		}
	}

	if s.breakers != nil {
		in.BreakerFailures = s.breakers.Failures(bot.ID)
	}
	return in, nil
}

// ScoreBot computes the score of bot and upserts it.
func (s *Scorer) ScoreBot(ctx context.Context, bot *core.Bot) (Result, error) {
	in, err := s.Gather(ctx, bot)
	if err != nil {
		return Result{}, err
	}
	res := Compute(in)

	prev, err := s.store.GetAutonomyScore(ctx, bot.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return res, fmt.Errorf("previous score: %w", err)
	}

	breakdown, err := json.Marshal(res.Breakdown)
	if err != nil {
		return res, fmt.Errorf("encode breakdown: %w", err)
	}
	if err := s.store.UpsertAutonomyScore(ctx, &core.AutonomyScore{
		BotID:      bot.ID,
		Score:      res.Score,
		Tier:       res.Tier,
		Breakdown:  breakdown,
		ComputedAt: s.now(),
	}); err != nil {
		return res, fmt.Errorf("store score: %w", err)
	}

	s.metrics.SetAutonomyScore(bot.ID, res.Score)
	s.logger.Debug("autonomy scored", "bot_id", bot.ID, "score", res.Score, "tier", res.Tier)

	if prev == nil || prev.Tier != res.Tier {
		from := core.Tier("")
		if prev != nil {
			from = prev.Tier
		}
		s.logger.Info("autonomy tier changed", "bot_id", bot.ID, "from", from, "to", res.Tier, "score", res.Score)
		if s.activity != nil {
			s.activity.Log(ctx, core.ActivityEntry{
				EventType: core.EventAutonomyScored,
				Severity:  core.SeverityInfo,
				Title:     "Autonomy tier changed",
				Summary:   fmt.Sprintf("%s scored %.1f (%s)", bot.ID, res.Score, res.Tier),
				BotID:     bot.ID,
				Payload: map[string]any{
					"score":     res.Score,
					"tier":      string(res.Tier),
					"from_tier": string(from),
				},
			})
		}
	}
	return res, nil
}
