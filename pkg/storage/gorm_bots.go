package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// GetBot retrieves a bot by ID.
func (s *GormStorage) GetBot(ctx context.Context, id string) (*core.Bot, error) {
	var bot core.Bot
	if err := s.db.WithContext(ctx).First(&bot, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &bot, nil
}

// CreateBot inserts a bot, defaulting to the TRIALS stage in AUTO mode.
func (s *GormStorage) CreateBot(ctx context.Context, bot *core.Bot) error {
	if bot.ID == "" {
		bot.ID = newID()
	}
	if bot.Stage == "" {
		bot.Stage = core.StageTrials
	}
	if bot.PromotionMode == "" {
		bot.PromotionMode = core.PromotionAuto
	}
	if len(bot.Config) == 0 {
		bot.Config = []byte("{}")
	}
	return s.db.WithContext(ctx).Create(bot).Error
}

// ListBots returns bots matching filter. Killed and archived bots are excluded
// unless requested.
func (s *GormStorage) ListBots(ctx context.Context, filter core.BotFilter) ([]*core.Bot, error) {
	q := s.db.WithContext(ctx).Model(&core.Bot{})
	if len(filter.Stages) > 0 {
		q = q.Where("stage IN ?", filter.Stages)
	}
	if filter.TradingEnabled != nil {
		q = q.Where("is_trading_enabled = ?", *filter.TradingEnabled)
	}
	if !filter.IncludeKilled {
		q = q.Where("killed_at IS NULL")
	}
	if !filter.IncludeArchived {
		q = q.Where("archived_at IS NULL")
	}
	var bots []*core.Bot
	err := q.Order("id ASC").Find(&bots).Error
	return bots, err
}

func metricsColumns(m core.Metrics) map[string]any {
	return map[string]any{
		"m_total_trades":        m.TotalTrades,
		"m_losing_trades":       m.LosingTrades,
		"m_net_profit":          m.NetProfit,
		"m_max_drawdown":        m.MaxDrawdown,
		"m_win_rate":            m.WinRate,
		"m_profit_factor":       m.ProfitFactor,
		"m_expectancy":          m.Expectancy,
		"m_sharpe":              m.Sharpe,
		"m_walk_forward_passed": m.WalkForwardPassed,
		"m_stress_test_passed":  m.StressTestPassed,
		"m_market_data_proof":   m.MarketDataProof,
	}
}

// UpdateBot applies the non-nil fields of patch.
func (s *GormStorage) UpdateBot(ctx context.Context, id string, patch core.BotPatch) error {
	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.PromotionMode != nil {
		updates["promotion_mode"] = *patch.PromotionMode
	}
	if patch.StageLockedUntil != nil {
		updates["stage_locked_until"] = patch.StageLockedUntil.UTC()
	}
	if patch.IsTradingEnabled != nil {
		updates["is_trading_enabled"] = *patch.IsTradingEnabled
	}
	if patch.AccountID != nil {
		updates["account_id"] = *patch.AccountID
	}
	if patch.CurrentGeneration != nil {
		updates["current_generation"] = *patch.CurrentGeneration
	}
	if patch.Config != nil {
		updates["config"] = patch.Config
	}
	if patch.BacktestCompleted != nil {
		updates["backtest_completed"] = *patch.BacktestCompleted
	}
	if patch.Metrics != nil {
		for k, v := range metricsColumns(*patch.Metrics) {
			updates[k] = v
		}
		updates["metrics_updated_at"] = s.clock()
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&core.Bot{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// KillBot proactively kills a bot: marks it killed, disables trading, stops
// every active instance, fails its running jobs and writes one KillEvent, all
// in one transaction. Killing an already killed bot is a no-op that reports
// false.
func (s *GormStorage) KillBot(ctx context.Context, req core.KillRequest) (bool, error) {
	now := s.clock()
	reason := req.Reason
	if reason == "" {
		reason = core.ReasonInvariantBreach
	}
	detail := security.SanitizeErrorMessage(req.Detail)
	killed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bot core.Bot
		if err := tx.First(&bot, "id = ?", req.BotID).Error; err != nil {
			return notFound(err)
		}

		result := tx.Model(&core.Bot{}).
			Where("id = ? AND killed_at IS NULL", req.BotID).
			Updates(map[string]any{
				"killed_at":          now,
				"kill_reason":        reason,
				"is_trading_enabled": false,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		killed = true

		stopped := tx.Model(&core.BotInstance{}).
			Where("bot_id = ? AND status <> ?", req.BotID, core.InstanceStopped).
			Updates(map[string]any{
				"status":      core.InstanceStopped,
				"stopped_at":  now,
				"stop_reason": reason,
			})
		if stopped.Error != nil {
			return stopped.Error
		}

		if _, err := failRunningJobsTx(tx, req.BotID, reason, now); err != nil {
			return err
		}

		return tx.Create(&core.KillEvent{
			ID:               newID(),
			BotID:            req.BotID,
			Stage:            bot.Stage,
			Reason:           reason,
			Detail:           detail,
			InstancesStopped: stopped.RowsAffected,
		}).Error
	})
	return killed, err
}

// ReenableBot clears a kill. Trading stays disabled until an operator turns it
// back on.
func (s *GormStorage) ReenableBot(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Bot{}).
		Where("id = ? AND killed_at IS NOT NULL", id).
		Updates(map[string]any{
			"killed_at":   nil,
			"kill_reason": "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetBot(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListKillEvents returns the kill history of botID, newest first.
func (s *GormStorage) ListKillEvents(ctx context.Context, botID string) ([]*core.KillEvent, error) {
	var events []*core.KillEvent
	err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at DESC").
		Find(&events).Error
	return events, err
}

// ApplyStageTransition moves a bot from t.From to t.To and writes the audit
// row in one transaction. The update is conditional on the bot still being in
// t.From and not killed.
func (s *GormStorage) ApplyStageTransition(ctx context.Context, t core.StageTransition) error {
	now := s.clock()
	updates := map[string]any{
		"stage":              t.To,
		"stage_locked_until": nil,
	}
	if t.LockFor > 0 {
		updates["stage_locked_until"] = now.Add(t.LockFor)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Bot{}).
			Where("id = ? AND stage = ? AND killed_at IS NULL", t.BotID, t.From).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var bot core.Bot
			if err := tx.First(&bot, "id = ?", t.BotID).Error; err != nil {
				return notFound(err)
			}
			if bot.IsKilled() {
				return core.ErrBotKilled
			}
			return core.ErrStageChanged
		}

		return tx.Create(&core.PromotionAudit{
			ID:           newID(),
			BotID:        t.BotID,
			Action:       t.Action,
			FromStage:    t.From,
			ToStage:      t.To,
			Reason:       t.Reason,
			Score:        t.Score,
			Source:       t.Source,
			Generation:   t.Generation,
			GateSnapshot: t.Gates,
			Actor:        t.Actor,
		}).Error
	})
}

// RecordAudit appends a promotion audit row.
func (s *GormStorage) RecordAudit(ctx context.Context, a *core.PromotionAudit) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// ListAudits returns the audit trail of botID, oldest first.
func (s *GormStorage) ListAudits(ctx context.Context, botID string) ([]*core.PromotionAudit, error) {
	var audits []*core.PromotionAudit
	err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at ASC").
		Find(&audits).Error
	return audits, err
}

// RecordGeneration stores a generation. Numbers are unique per bot.
func (s *GormStorage) RecordGeneration(ctx context.Context, g *core.Generation) error {
	if g.ID == "" {
		g.ID = newID()
	}
	err := s.db.WithContext(ctx).Create(g).Error
	if isUniqueViolation(err) {
		return core.ErrDuplicateGen
	}
	return err
}

// AppendGeneration stores g as the bot's newest generation. g.Number is
// raised past every number already recorded for the bot, so evolving from a
// reverted generation never collides with the ones it replaced.
func (s *GormStorage) AppendGeneration(ctx context.Context, g *core.Generation) error {
	if g.ID == "" {
		g.ID = newID()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var highest int
		if err := tx.Model(&core.Generation{}).
			Where("bot_id = ?", g.BotID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&highest).Error; err != nil {
			return err
		}
		if g.Number <= highest {
			g.Number = highest + 1
		}
		return tx.Create(g).Error
	})
	if isUniqueViolation(err) {
		return core.ErrDuplicateGen
	}
	return err
}

// UpdateGenerationSharpe replaces the Sharpe of a recorded generation with a
// measured value.
func (s *GormStorage) UpdateGenerationSharpe(ctx context.Context, botID string, number int, sharpe float64) error {
	result := s.db.WithContext(ctx).Model(&core.Generation{}).
		Where("bot_id = ? AND number = ?", botID, number).
		Update("sharpe", sharpe)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListGenerations returns up to limit generations of botID, newest first.
func (s *GormStorage) ListGenerations(ctx context.Context, botID string, limit int) ([]*core.Generation, error) {
	q := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var gens []*core.Generation
	err := q.Find(&gens).Error
	return gens, err
}

// RevertToGeneration restores the configuration of generation number as the
// bot's current one. The stage is left untouched.
func (s *GormStorage) RevertToGeneration(ctx context.Context, botID string, number int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gen core.Generation
		err := tx.First(&gen, "bot_id = ? AND number = ?", botID, number).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		result := tx.Model(&core.Bot{}).
			Where("id = ? AND killed_at IS NULL", botID).
			Updates(map[string]any{
				"config":             gen.Config,
				"current_generation": gen.Number,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrBotKilled
		}
		return nil
	})
}
