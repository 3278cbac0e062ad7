package promotion

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/notify"
)

// RevertTarget finds the generation to revert to: the highest-Sharpe
// generation older than current within gens, when current has declined from
// it by at least decline. gens may be in any order.
func RevertTarget(gens []*core.Generation, current int, decline float64) (*core.Generation, float64, bool) {
	var cur, peak *core.Generation
	for _, g := range gens {
		if g.Number == current {
			cur = g
		}
	}
	if cur == nil {
		return nil, 0, false
	}
	for _, g := range gens {
		if g.Number >= current {
			continue
		}
		if peak == nil || g.Sharpe > peak.Sharpe {
			peak = g
		}
	}
	if peak == nil || peak.Sharpe <= 0 || cur.Sharpe >= peak.Sharpe {
		return nil, 0, false
	}
	drop := (peak.Sharpe - cur.Sharpe) / peak.Sharpe
	if drop < decline {
		return nil, drop, false
	}
	return peak, drop, true
}

// autoRevert restores the peak generation's configuration when the current
// generation has declined sharply. The stage is left unchanged.
func (m *Machine) autoRevert(ctx context.Context, bot *core.Bot, d *Decision) (bool, error) {
	if m.cfg.RevertWindow <= 0 || bot.CurrentGeneration <= 0 {
		return false, nil
	}
	gens, err := m.store.ListGenerations(ctx, bot.ID, m.cfg.RevertWindow)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	peak, drop, ok := RevertTarget(gens, bot.CurrentGeneration, m.cfg.RevertDecline)
	if !ok {
		return false, nil
	}

	err = m.store.RevertToGeneration(ctx, bot.ID, peak.Number)
	if errors.Is(err, core.ErrBotKilled) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revert to generation %d: %w", peak.Number, err)
	}

	from := bot.CurrentGeneration
	reason := fmt.Sprintf("Sharpe of generation %d is %.0f%% below generation %d peak %.2f", from, drop*100, peak.Number, peak.Sharpe)
	if err := m.store.RecordAudit(ctx, &core.PromotionAudit{
		BotID:      bot.ID,
		Action:     core.ActionAutoRevert,
		FromStage:  bot.Stage,
		ToStage:    bot.Stage,
		Reason:     reason,
		Score:      peak.Sharpe,
		Source:     "generation",
		Generation: peak.Number,
		Actor:      SystemActor,
	}); err != nil {
		m.logger.Warn("failed to record auto-revert audit", "bot_id", bot.ID, "error", err)
	}
	bot.CurrentGeneration = peak.Number
	bot.Config = peak.Config

	d.Action = core.ActionAutoRevert
	d.Reason = reason
	d.RevertedTo = peak.Number
	d.Logged = true
	m.forget(bot.ID)
	m.metrics.Decision(core.ActionAutoRevert)
	m.logger.Warn("auto-reverted generation",
		"bot_id", bot.ID,
		"stage", bot.Stage,
		"from_generation", from,
		"to_generation", peak.Number,
		"decline", drop,
	)
	m.log(ctx, core.ActivityEntry{
		EventType: core.EventAutoRevert,
		Severity:  core.SeverityWarning,
		Title:     fmt.Sprintf("Auto-revert to generation %d", peak.Number),
		Summary:   reason,
		BotID:     bot.ID,
		Payload:   map[string]any{"from_generation": from, "to_generation": peak.Number, "decline": drop},
	})
	notify.Deliver(ctx, m.notifier, core.Notification{
		Kind:    core.NotifyAutoRevert,
		BotID:   bot.ID,
		Title:   fmt.Sprintf("%s reverted to generation %d", bot.ID, peak.Number),
		Message: reason,
	}, m.logger)
	return true, nil
}
