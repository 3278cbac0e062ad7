package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/consumer"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/worker"
)

// AutonomyReport summarizes one pass of the autonomy loop.
type AutonomyReport struct {
	Bots      int
	Scored    int
	Decisions map[string]int
	Baselines []string
	Evolving  []string
	Failed    int
}

func (e *Engine) checkJobTimeouts(ctx context.Context) error {
	rep, err := e.monitor.Tick(ctx)
	if len(rep.TimedOut) > 0 {
		e.logger.Info("job timeout scan", "scanned", rep.Scanned, "timed_out", len(rep.TimedOut), "raced", rep.Raced)
	}
	return err
}

func (e *Engine) superviseInstances(ctx context.Context) error {
	rep, err := e.instances.Tick(ctx)
	e.logger.Debug("instance supervision",
		"scanned", rep.Scanned,
		"stale", rep.Stale,
		"restarted", len(rep.Restarted),
		"killed", len(rep.Killed),
		"auto_started", len(rep.AutoStarted),
	)
	return err
}

func (e *Engine) consume(class consumer.Class) worker.Func {
	return func(ctx context.Context) error {
		rep, err := e.consumer.Consume(ctx, class)
		if rep.Claimed > 0 {
			e.logger.Info("jobs consumed",
				"class", class,
				"claimed", rep.Claimed,
				"completed", rep.Completed,
				"failed", rep.Failed,
				"lost", rep.Lost,
			)
		}
		return err
	}
}

func (e *Engine) runAutonomyLoop(ctx context.Context) error {
	rep, err := e.AutonomyTick(ctx)
	e.logger.Debug("autonomy loop",
		"bots", rep.Bots,
		"scored", rep.Scored,
		"baselines", len(rep.Baselines),
		"evolving", len(rep.Evolving),
		"failed", rep.Failed,
	)
	return err
}

// AutonomyTick scores every active bot, applies its promotion decision and
// queues the work the bot needs next: a baseline backtest when it has never
// completed one, otherwise an evolution while its gates fail. Per-bot
// failures are logged and skipped; connectivity failures end the pass.
func (e *Engine) AutonomyTick(ctx context.Context) (AutonomyReport, error) {
	rep := AutonomyReport{Decisions: make(map[string]int)}
	bots, err := e.store.ListBots(ctx, core.BotFilter{})
	if err != nil {
		return rep, fmt.Errorf("list bots: %w", err)
	}
	rep.Bots = len(bots)

	for _, bot := range bots {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := e.autonomyStep(ctx, bot, &rep); err != nil {
			if backoff.IsConnectivityError(err) {
				return rep, err
			}
			rep.Failed++
			e.logger.Warn("autonomy step failed", "bot_id", bot.ID, "stage", bot.Stage, "error", err)
		}
	}
	return rep, nil
}

func (e *Engine) autonomyStep(ctx context.Context, bot *core.Bot, rep *AutonomyReport) error {
	if _, err := e.scorer.ScoreBot(ctx, bot); err != nil {
		return fmt.Errorf("score: %w", err)
	}
	rep.Scored++

	d, err := e.promotion.Process(ctx, bot)
	if err != nil {
		return fmt.Errorf("promotion: %w", err)
	}
	rep.Decisions[d.Action]++
	// The bot row is stale after a transition or revert; the next pass sees
	// the new state.
	if d.To != d.From || d.Action == core.ActionAutoRevert {
		return nil
	}

	if !bot.BacktestCompleted {
		if e.baselines == nil {
			return nil
		}
		sessionID, err := e.baselines.QueueBaseline(ctx, bot.ID, core.BaselineOptions{Generation: bot.CurrentGeneration})
		switch {
		case errors.Is(err, core.ErrDuplicateJob):
			return nil
		case err != nil:
			return fmt.Errorf("queue baseline: %w", err)
		}
		rep.Baselines = append(rep.Baselines, bot.ID)
		e.logger.Info("baseline backtest queued", "bot_id", bot.ID, "session_id", sessionID, "generation", bot.CurrentGeneration)
		return nil
	}

	if e.evolver == nil {
		return nil
	}
	evolve, reason, err := e.promotion.ShouldEvolve(ctx, bot)
	if err != nil {
		return fmt.Errorf("evolution check: %w", err)
	}
	if !evolve {
		return nil
	}
	jobID, err := e.producer.QueueEvolution(ctx, bot, reason)
	switch {
	case errors.Is(err, core.ErrDuplicateJob):
		return nil
	case err != nil:
		return fmt.Errorf("queue evolution: %w", err)
	}
	rep.Evolving = append(rep.Evolving, bot.ID)
	e.logger.Info("evolution queued", "bot_id", bot.ID, "job_id", jobID, "reason", reason)
	return nil
}
