package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/notify"
)

// SystemActor is recorded on transitions the machine makes on its own.
const SystemActor = "system"

// Store is the storage the machine reads evidence from and writes
// transitions to.
type Store interface {
	core.ScoreStore
	GetBot(ctx context.Context, id string) (*core.Bot, error)
	ApplyStageTransition(ctx context.Context, t core.StageTransition) error
	RecordAudit(ctx context.Context, a *core.PromotionAudit) error
	ListGenerations(ctx context.Context, botID string, limit int) ([]*core.Generation, error)
	RevertToGeneration(ctx context.Context, botID string, number int) error
	RecentSessions(ctx context.Context, botID string, n int) ([]*core.BacktestSession, error)
	BestMatrixCell(ctx context.Context, botID string) (*core.BacktestSession, error)
}

// Decision is the outcome of processing one bot.
type Decision struct {
	BotID      string
	Action     string
	From       core.Stage
	To         core.Stage
	Reason     string
	Source     string
	Score      float64
	Failing    []string
	Verdict    *Verdict
	RevertedTo int
	// Logged is false for a HOLD that was suppressed.
	Logged bool
}

type holdState struct {
	signature string
	at        time.Time
}

// Machine drives bots through the stage pipeline.
type Machine struct {
	store    Store
	gates    Gates
	cfg      Config
	notifier core.NotificationSink
	activity core.ActivityLog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	holds map[string]holdState
	ready map[string]bool
}

// New creates a Machine.
func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		gates:  DefaultGates(),
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
		holds:  make(map[string]holdState),
		ready:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt.applyMachine(m)
	}
	return m
}

// Gates returns the gate sets in use.
func (m *Machine) Gates() Gates { return m.gates }

// Process evaluates bot and applies at most one action: auto-revert, demote,
// promote, ready-for-live or hold.
func (m *Machine) Process(ctx context.Context, bot *core.Bot) (Decision, error) {
	d := Decision{BotID: bot.ID, From: bot.Stage, To: bot.Stage}
	if bot.IsKilled() || bot.ArchivedAt != nil {
		return m.skip(d, "bot is killed or archived"), nil
	}

	reverted, err := m.autoRevert(ctx, bot, &d)
	if err != nil || reverted {
		return d, err
	}

	now := m.now()
	if bot.StageLocked(now) {
		return m.skip(d, fmt.Sprintf("stage locked until %s", bot.StageLockedUntil.Format(time.RFC3339))), nil
	}
	if bot.PromotionMode == core.PromotionManual {
		return m.skip(d, "manual promotion mode"), nil
	}

	latest, best, err := m.evidence(ctx, bot)
	if err != nil {
		return d, err
	}
	d.Score = latest.Score

	if CanDemote(bot.Stage) {
		if reason := m.demoteReason(latest); reason != "" {
			return m.transition(ctx, bot, d, EventDemote, core.ActionDemote, reason, core.SourceLatest, nil, latest.Metrics)
		}
	}

	if _, ok := m.gates[bot.Stage]; !ok {
		return m.skip(d, "no gates above "+string(bot.Stage)), nil
	}

	v := m.gates.EvaluateWithFailsafe(bot.Stage, latest, best, m.cfg.MaxCellAge, now)
	d.Verdict = &v
	d.Failing = v.Failing()
	if !v.Passed {
		return m.hold(ctx, bot, d, v), nil
	}
	if bot.Stage == core.StageCanary {
		return m.readyForLive(ctx, bot, d, v)
	}
	reason := "all gates passed on " + v.Source
	return m.transition(ctx, bot, d, EventPromote, core.ActionPromote, reason, v.Source, &v, latest.Metrics)
}

func (m *Machine) skip(d Decision, reason string) Decision {
	d.Action = core.ActionSkip
	d.Reason = reason
	m.logger.Debug("promotion skipped", "bot_id", d.BotID, "stage", d.From, "reason", reason)
	return d
}

// ──────────────────────────────────────────────────────────────────────────────
// Evidence
// ──────────────────────────────────────────────────────────────────────────────

func (m *Machine) consistencyWindow() int {
	n := 0
	for _, t := range m.gates {
		n = max(n, t.ConsistencyWindow)
	}
	return n
}

// evidence loads the latest evaluation and the best matrix cell of bot.
func (m *Machine) evidence(ctx context.Context, bot *core.Bot) (Evidence, *Evidence, error) {
	latest := Evidence{
		Metrics:           bot.Metrics,
		BacktestCompleted: bot.BacktestCompleted,
	}
	if bot.MetricsUpdatedAt != nil {
		latest.CompletedAt = *bot.MetricsUpdatedAt
	}

	score, err := m.store.GetAutonomyScore(ctx, bot.ID)
	switch {
	case err == nil:
		latest.Score = score.Score
		latest.Scored = true
	case !errors.Is(err, core.ErrNotFound):
		return latest, nil, fmt.Errorf("autonomy score: %w", err)
	}

	if w := m.consistencyWindow(); w > 0 {
		sessions, err := m.store.RecentSessions(ctx, bot.ID, w*4)
		if err != nil {
			return latest, nil, fmt.Errorf("recent sessions: %w", err)
		}
		for _, s := range sessions {
			if s.Cell != "" {
				continue
			}
			if !s.Succeeded {
				latest.Recent = append(latest.Recent, core.Metrics{})
			} else {
				latest.Recent = append(latest.Recent, s.Metrics)
			}
			if len(latest.Recent) == w {
				break
			}
		}
	}

	cell, err := m.store.BestMatrixCell(ctx, bot.ID)
	if errors.Is(err, core.ErrNotFound) {
		return latest, nil, nil
	}
	if err != nil {
		return latest, nil, fmt.Errorf("best matrix cell: %w", err)
	}
	best := latest
	best.Metrics = cell.Metrics
	best.BacktestCompleted = true
	best.CompletedAt = cell.CompletedAt
	return latest, &best, nil
}

func (m *Machine) demoteReason(ev Evidence) string {
	var reasons []string
	if ev.Scored && ev.Score < m.cfg.DemoteScoreFloor {
		reasons = append(reasons, fmt.Sprintf("score %.1f below floor %.1f", ev.Score, m.cfg.DemoteScoreFloor))
	}
	if ev.Metrics.MaxDrawdown > m.cfg.DemoteDrawdown {
		reasons = append(reasons, fmt.Sprintf("drawdown %s above cap %s", pct(ev.Metrics.MaxDrawdown), pct(m.cfg.DemoteDrawdown)))
	}
	if ev.Metrics.NetProfit <= -m.cfg.DemoteLoss && ev.Metrics.TotalTrades > 0 {
		reasons = append(reasons, fmt.Sprintf("net loss %.2f", ev.Metrics.NetProfit))
	}
	return strings.Join(reasons, "; ")
}

// ──────────────────────────────────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────────────────────────────────

type gateSnapshot struct {
	Verdict *Verdict     `json:"verdict,omitempty"`
	Metrics core.Metrics `json:"metrics"`
}

func (m *Machine) transition(ctx context.Context, bot *core.Bot, d Decision, event, action, reason, source string, v *Verdict, metricsSnap core.Metrics) (Decision, error) {
	to, err := nextStage(ctx, bot.Stage, event)
	if err != nil {
		return d, err
	}
	snap, err := json.Marshal(gateSnapshot{Verdict: v, Metrics: metricsSnap})
	if err != nil {
		return d, fmt.Errorf("encode gate snapshot: %w", err)
	}

	err = m.store.ApplyStageTransition(ctx, core.StageTransition{
		BotID:      bot.ID,
		From:       bot.Stage,
		To:         to,
		Action:     action,
		Reason:     reason,
		Score:      d.Score,
		Source:     source,
		Generation: bot.CurrentGeneration,
		Gates:      snap,
		Actor:      SystemActor,
		LockFor:    m.cfg.StageLock,
	})
	if errors.Is(err, core.ErrStageChanged) || errors.Is(err, core.ErrBotKilled) {
		return m.skip(d, err.Error()), nil
	}
	if err != nil {
		return d, fmt.Errorf("apply %s %s -> %s: %w", action, bot.Stage, to, err)
	}

	m.forget(bot.ID)
	d.Action = action
	d.To = to
	d.Reason = reason
	d.Source = source
	d.Logged = true
	m.metrics.Decision(action)

	eventType, kind, severity := core.EventPromotion, core.NotifyPromotion, core.SeverityInfo
	if action == core.ActionDemote {
		eventType, kind, severity = core.EventDemotion, core.NotifyDemotion, core.SeverityWarning
	}
	m.logger.Info("stage transition",
		"bot_id", bot.ID,
		"action", action,
		"from", bot.Stage,
		"to", to,
		"source", source,
		"score", d.Score,
		"reason", reason,
	)
	m.log(ctx, core.ActivityEntry{
		EventType: eventType,
		Severity:  severity,
		Title:     fmt.Sprintf("%s %s -> %s", action, bot.Stage, to),
		Summary:   reason,
		BotID:     bot.ID,
		Payload: map[string]any{
			"from":   string(bot.Stage),
			"to":     string(to),
			"source": source,
			"score":  d.Score,
		},
	})
	notify.Deliver(ctx, m.notifier, core.Notification{
		Kind:    kind,
		BotID:   bot.ID,
		Title:   fmt.Sprintf("%s %s: %s -> %s", bot.ID, strings.ToLower(action), bot.Stage, to),
		Message: reason,
		Fields:  map[string]any{"score": d.Score, "source": source},
	}, m.logger)
	return d, nil
}

// hold records a non-promotion. It is logged only when the failing set
// changes or the suppression window has elapsed.
func (m *Machine) hold(ctx context.Context, bot *core.Bot, d Decision, v Verdict) Decision {
	d.Action = core.ActionHold
	d.Reason = "failing gates: " + strings.Join(d.Failing, ", ")

	now := m.now()
	sig := v.Latest.Signature()
	m.mu.Lock()
	prev, seen := m.holds[bot.ID]
	loud := !seen || prev.signature != sig || now.Sub(prev.at) >= m.cfg.HoldSuppression
	if loud {
		m.holds[bot.ID] = holdState{signature: sig, at: now}
	}
	m.mu.Unlock()

	m.metrics.Decision(core.ActionHold)
	if !loud {
		return d
	}
	d.Logged = true
	m.logger.Info("promotion hold", "bot_id", bot.ID, "stage", bot.Stage, "failing", sig, "score", d.Score)
	m.log(ctx, core.ActivityEntry{
		EventType: core.EventHold,
		Severity:  core.SeverityInfo,
		Title:     fmt.Sprintf("HOLD in %s", bot.Stage),
		Summary:   d.Reason,
		BotID:     bot.ID,
		Payload:   map[string]any{"failing": d.Failing, "score": d.Score},
	})
	return d
}

// readyForLive announces a CANARY bot whose gates pass. The LIVE transition
// itself is only made by ApproveLive.
func (m *Machine) readyForLive(ctx context.Context, bot *core.Bot, d Decision, v Verdict) (Decision, error) {
	d.Action = core.ActionReadyForLive
	d.Source = v.Source
	d.Reason = "all CANARY gates passed on " + v.Source + "; awaiting manual approval"

	m.mu.Lock()
	announced := m.ready[bot.ID]
	m.ready[bot.ID] = true
	m.mu.Unlock()
	if announced {
		return d, nil
	}

	snap, err := json.Marshal(gateSnapshot{Verdict: &v, Metrics: bot.Metrics})
	if err != nil {
		return d, fmt.Errorf("encode gate snapshot: %w", err)
	}
	if err := m.store.RecordAudit(ctx, &core.PromotionAudit{
		BotID:        bot.ID,
		Action:       core.ActionReadyForLive,
		FromStage:    core.StageCanary,
		ToStage:      core.StageCanary,
		Reason:       d.Reason,
		Score:        d.Score,
		Source:       v.Source,
		Generation:   bot.CurrentGeneration,
		GateSnapshot: snap,
		Actor:        SystemActor,
	}); err != nil {
		m.mu.Lock()
		delete(m.ready, bot.ID)
		m.mu.Unlock()
		return d, fmt.Errorf("record ready-for-live audit: %w", err)
	}

	d.Logged = true
	m.metrics.Decision(core.ActionReadyForLive)
	m.logger.Info("bot ready for live", "bot_id", bot.ID, "source", v.Source, "score", d.Score)
	m.log(ctx, core.ActivityEntry{
		EventType: core.EventReadyForLive,
		Severity:  core.SeverityInfo,
		Title:     "Ready for LIVE",
		Summary:   d.Reason,
		BotID:     bot.ID,
	})
	notify.Deliver(ctx, m.notifier, core.Notification{
		Kind:    core.NotifyReadyForLive,
		BotID:   bot.ID,
		Title:   fmt.Sprintf("%s is ready for LIVE", bot.ID),
		Message: "Approve explicitly to move it out of CANARY.",
		Fields:  map[string]any{"score": d.Score, "source": v.Source},
	}, m.logger)
	return d, nil
}

// ApproveLive is the explicit manual CANARY to LIVE transition. The CANARY
// gates must still pass.
func (m *Machine) ApproveLive(ctx context.Context, botID, actor string) (Decision, error) {
	if strings.TrimSpace(actor) == "" {
		return Decision{}, errors.New("approve live: actor is required")
	}
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{BotID: bot.ID, From: bot.Stage, To: bot.Stage}
	if bot.IsKilled() {
		return d, core.ErrBotKilled
	}
	if bot.Stage != core.StageCanary {
		return d, core.ErrNotCanary
	}

	latest, best, err := m.evidence(ctx, bot)
	if err != nil {
		return d, err
	}
	d.Score = latest.Score
	v := m.gates.EvaluateWithFailsafe(core.StageCanary, latest, best, m.cfg.MaxCellAge, m.now())
	d.Verdict = &v
	d.Failing = v.Failing()
	if !v.Passed {
		return d, fmt.Errorf("%w: %s", core.ErrGatesNotPassing, strings.Join(d.Failing, ", "))
	}

	to, err := nextStage(ctx, bot.Stage, EventApproveLive)
	if err != nil {
		return d, err
	}
	snap, err := json.Marshal(gateSnapshot{Verdict: &v, Metrics: bot.Metrics})
	if err != nil {
		return d, fmt.Errorf("encode gate snapshot: %w", err)
	}
	reason := "approved by " + actor
	if err := m.store.ApplyStageTransition(ctx, core.StageTransition{
		BotID:      bot.ID,
		From:       bot.Stage,
		To:         to,
		Action:     core.ActionApproveLive,
		Reason:     reason,
		Score:      d.Score,
		Source:     core.SourceManual,
		Generation: bot.CurrentGeneration,
		Gates:      snap,
		Actor:      actor,
		LockFor:    m.cfg.StageLock,
	}); err != nil {
		return d, err
	}

	m.forget(bot.ID)
	d.Action = core.ActionApproveLive
	d.To = to
	d.Reason = reason
	d.Source = core.SourceManual
	d.Logged = true
	m.metrics.Decision(core.ActionApproveLive)
	m.logger.Info("live approved", "bot_id", bot.ID, "actor", actor, "score", d.Score)
	m.log(ctx, core.ActivityEntry{
		EventType: core.EventLiveApproved,
		Severity:  core.SeverityWarning,
		Title:     "LIVE approved",
		Summary:   fmt.Sprintf("%s moved to LIVE, %s", bot.ID, reason),
		BotID:     bot.ID,
		Payload:   map[string]any{"actor": actor},
	})
	notify.Deliver(ctx, m.notifier, core.Notification{
		Kind:    core.NotifyPromotion,
		BotID:   bot.ID,
		Title:   fmt.Sprintf("%s promoted to LIVE", bot.ID),
		Message: reason,
	}, m.logger)
	return d, nil
}

// ShouldEvolve reports whether evolving bot is worthwhile. Evolution is
// skipped while the gates of the bot's stage pass, so a promotion-ready
// configuration is never replaced.
func (m *Machine) ShouldEvolve(ctx context.Context, bot *core.Bot) (bool, string, error) {
	if bot.IsKilled() {
		return false, "bot is killed", nil
	}
	if _, ok := m.gates[bot.Stage]; !ok {
		return false, "no gates above " + string(bot.Stage), nil
	}
	latest, best, err := m.evidence(ctx, bot)
	if err != nil {
		return false, "", err
	}
	v := m.gates.EvaluateWithFailsafe(bot.Stage, latest, best, m.cfg.MaxCellAge, m.now())
	if v.Passed {
		return false, "gates pass on " + v.Source, nil
	}
	return true, "failing gates: " + strings.Join(v.Failing(), ", "), nil
}

func (m *Machine) forget(botID string) {
	m.mu.Lock()
	delete(m.holds, botID)
	delete(m.ready, botID)
	m.mu.Unlock()
}

func (m *Machine) log(ctx context.Context, e core.ActivityEntry) {
	if m.activity != nil {
		m.activity.Log(ctx, e)
	}
}
