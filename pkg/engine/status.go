package engine

import (
	"context"
	"fmt"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/promotion"
	"github.com/jdziat/fleet-orchestrator/pkg/status"
)

var _ status.Provider = (*Engine)(nil)

// Snapshot reports the engine state served on GET /status. Queue depth comes
// from storage; everything else is in-process state and is always filled in.
func (e *Engine) Snapshot(ctx context.Context) (status.Snapshot, error) {
	sched := e.scheduler.Status()
	heavy, light := e.consumer.InFlight()
	slots, _ := e.governor.Peek()

	snap := status.Snapshot{
		Running:  e.running.Load(),
		Leader:   e.elector.IsLeader() && sched.Running,
		WorkerID: e.consumer.WorkerID(),
		Workers:  sched.Workers,
		Backoff:  e.backoff.Snapshot(),
		Backend:  e.backend.State(),
		Breakers: e.breakers.Snapshot(),
		Concurrency: status.Concurrency{
			Slots:      slots,
			HeavyInUse: heavy,
			LightInUse: light,
		},
		GeneratedAt: e.now().UTC(),
	}

	depth, err := e.store.CountJobsByStatus(ctx)
	if err != nil {
		return snap, fmt.Errorf("queue depth: %w", err)
	}
	snap.QueueDepth = depth
	return snap, nil
}

// Ping checks that storage answers.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// ApproveLive is the manual CANARY to LIVE action. It does not require
// leadership: the transition is conditional on the bot still being in CANARY.
func (e *Engine) ApproveLive(ctx context.Context, botID, actor string) (promotion.Decision, error) {
	return e.promotion.ApproveLive(ctx, botID, actor)
}

// ReenableBot clears a proactive kill and resets the bot's breaker. Trading
// stays disabled until an operator turns it back on.
func (e *Engine) ReenableBot(ctx context.Context, botID string) (bool, error) {
	changed, err := e.store.ReenableBot(ctx, botID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	e.breakers.RecordSuccess(botID)
	e.activity.Log(ctx, core.ActivityEntry{
		EventType: core.EventBotReenabled,
		Severity:  core.SeverityInfo,
		Title:     "Bot re-enabled",
		Summary:   "kill cleared by operator; trading remains disabled",
		BotID:     botID,
	})
	return true, nil
}
