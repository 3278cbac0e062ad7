package consumer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/jobctx"
)

// HandlerStore is the storage used by the built-in handlers.
type HandlerStore interface {
	GetBot(ctx context.Context, id string) (*core.Bot, error)
	UpdateBot(ctx context.Context, id string, patch core.BotPatch) error
	RecordSession(ctx context.Context, s *core.BacktestSession) error
	AppendGeneration(ctx context.Context, g *core.Generation) error
	UpdateGenerationSharpe(ctx context.Context, botID string, number int, sharpe float64) error
}

// EvolutionGate decides whether a bot should evolve. *promotion.Machine
// implements it.
type EvolutionGate interface {
	ShouldEvolve(ctx context.Context, bot *core.Bot) (bool, string, error)
}

// Handlers are the built-in job handlers. A handler is registered only when
// its collaborator is set.
type Handlers struct {
	Store    HandlerStore
	Executor core.BacktestExecutor
	Improver core.Improver
	Evolver  core.Evolver
	Gate     EvolutionGate
	Activity core.ActivityLog
	Now      func() time.Time
}

// Register binds every available built-in handler to c.
func (h Handlers) Register(c *Consumer) error {
	if h.Store == nil {
		return errors.New("consumer: handlers need a store")
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	var errs []error
	if h.Executor != nil {
		errs = append(errs,
			Register(c, core.JobTypeBacktester, h.backtest),
			Register(c, core.JobTypeMatrixRun, h.matrix),
		)
	}
	if h.Improver != nil {
		errs = append(errs, Register(c, core.JobTypeImproving, h.improve))
	}
	if h.Evolver != nil {
		errs = append(errs, Register(c, core.JobTypeEvolving, h.evolve))
	}
	return errors.Join(errs...)
}

func (h Handlers) bot(ctx context.Context, job *core.Job) (*core.Bot, error) {
	if job.BotID == "" {
		return nil, fmt.Errorf("%s job %s has no bot", job.Type, job.ID)
	}
	bot, err := h.Store.GetBot(ctx, job.BotID)
	if err != nil {
		return nil, fmt.Errorf("load bot %s: %w", job.BotID, err)
	}
	if bot.KilledAt != nil {
		return nil, fmt.Errorf("bot %s: %w", bot.ID, core.ErrBotKilled)
	}
	return bot, nil
}

func runParams(bot *core.Bot, generation int, base map[string]any) map[string]any {
	params := make(map[string]any, len(base)+2)
	maps.Copy(params, base)
	params["bot_id"] = bot.ID
	params["generation"] = generation
	return params
}

// run executes one backtest and records its session. The returned session
// reports success; err is set when the session could not be recorded.
func (h Handlers) run(ctx context.Context, bot *core.Bot, job *core.Job, sessionID, cell string, generation int, params map[string]any) (*core.BacktestSession, error) {
	res, execErr := h.Executor.Execute(ctx, sessionID, params)
	sess := &core.BacktestSession{
		BotID:       bot.ID,
		JobID:       job.ID,
		Generation:  generation,
		Cell:        cell,
		CompletedAt: h.Now().UTC(),
	}
	switch {
	case execErr != nil:
		sess.Error = execErr.Error()
	case res == nil:
		sess.Error = "executor returned no result"
	default:
		sess.Succeeded = res.Success
		sess.Metrics = res.Metrics
		sess.Error = res.Error
		if !res.Success && sess.Error == "" {
			sess.Error = "backtest unsuccessful"
		}
	}
	if ctx.Err() != nil && !sess.Succeeded {
		return sess, ctx.Err()
	}
	if err := h.Store.RecordSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("record session: %w", err)
	}
	return sess, nil
}

func (h Handlers) backtest(ctx context.Context, job *core.Job, p core.BacktestPayload) error {
	bot, err := h.bot(ctx, job)
	if err != nil {
		return err
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = job.ID
	}
	generation := p.Generation
	if generation == 0 {
		generation = bot.CurrentGeneration
	}

	sess, err := h.run(ctx, bot, job, sessionID, "", generation, runParams(bot, generation, p.Params))
	if err != nil {
		return err
	}
	if !sess.Succeeded {
		return fmt.Errorf("backtest %s failed: %s", sessionID, sess.Error)
	}

	completed := true
	metrics := sess.Metrics
	if err := h.Store.UpdateBot(ctx, bot.ID, core.BotPatch{Metrics: &metrics, BacktestCompleted: &completed}); err != nil {
		return fmt.Errorf("update bot metrics: %w", err)
	}
	if generation > 0 {
		// The measured Sharpe replaces the evolver's estimate for revert checks.
		err := h.Store.UpdateGenerationSharpe(ctx, bot.ID, generation, metrics.Sharpe)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("update generation %d sharpe: %w", generation, err)
		}
	}
	return nil
}

// matrix runs one backtest per cell. Each cell becomes its own session so the
// promotion failsafe can pick the best one.
func (h Handlers) matrix(ctx context.Context, job *core.Job, p core.MatrixPayload) error {
	if len(p.Cells) == 0 {
		return fmt.Errorf("matrix run %s has no cells", job.ID)
	}
	bot, err := h.bot(ctx, job)
	if err != nil {
		return err
	}
	generation := p.Generation
	if generation == 0 {
		generation = bot.CurrentGeneration
	}

	succeeded := 0
	for i, cell := range p.Cells {
		if i > 0 {
			if err := jobctx.Heartbeat(ctx); err != nil {
				return fmt.Errorf("matrix run interrupted after %d cells: %w", i, err)
			}
		}
		params := runParams(bot, generation, p.Params)
		params["timeframe"] = cell.Timeframe
		params["horizon"] = cell.Horizon

		sess, err := h.run(ctx, bot, job, job.ID+"/"+cell.Label(), cell.Label(), generation, params)
		if err != nil {
			return err
		}
		if sess.Succeeded {
			succeeded++
		}
	}
	if succeeded == 0 {
		return fmt.Errorf("all %d matrix cells failed", len(p.Cells))
	}
	return nil
}

func (h Handlers) improve(ctx context.Context, job *core.Job, p core.ImprovePayload) error {
	bot, err := h.bot(ctx, job)
	if err != nil {
		return err
	}
	res, err := h.Improver.Improve(ctx, bot, p)
	if err != nil {
		return fmt.Errorf("improve: %w", err)
	}
	if res == nil || len(res.Config) == 0 {
		return nil
	}
	if err := h.Store.UpdateBot(ctx, bot.ID, core.BotPatch{Config: res.Config}); err != nil {
		return fmt.Errorf("store improved config: %w", err)
	}
	return nil
}

// evolve produces a new generation unless the bot already passes its
// promotion gates. The new generation needs a fresh baseline backtest.
func (h Handlers) evolve(ctx context.Context, job *core.Job, p core.EvolvePayload) error {
	bot, err := h.bot(ctx, job)
	if err != nil {
		return err
	}
	if h.Gate != nil {
		ok, reason, err := h.Gate.ShouldEvolve(ctx, bot)
		if err != nil {
			return fmt.Errorf("evolution gate: %w", err)
		}
		if !ok {
			if h.Activity != nil {
				h.Activity.Log(ctx, core.ActivityEntry{
					EventType: core.EventEvolutionSkipped,
					Severity:  core.SeverityInfo,
					Title:     "Evolution skipped",
					Summary:   reason,
					BotID:     bot.ID,
					Payload:   map[string]any{"job_id": job.ID, "stage": string(bot.Stage)},
				})
			}
			return nil
		}
	}

	from := p.FromGeneration
	if from == 0 {
		from = bot.CurrentGeneration
	}
	res, err := h.Evolver.Evolve(ctx, bot, from)
	if err != nil {
		return fmt.Errorf("evolve from generation %d: %w", from, err)
	}
	if res == nil {
		return fmt.Errorf("evolver returned no generation")
	}
	if res.Generation <= from {
		return fmt.Errorf("evolver returned generation %d, want > %d", res.Generation, from)
	}

	// A revert can leave higher numbers behind; storage allocates past them.
	gen := &core.Generation{BotID: bot.ID, Number: res.Generation, Config: res.Config, Sharpe: res.Sharpe}
	if err := h.Store.AppendGeneration(ctx, gen); err != nil {
		return fmt.Errorf("record generation %d: %w", res.Generation, err)
	}
	number := gen.Number
	completed := false
	patch := core.BotPatch{CurrentGeneration: &number, BacktestCompleted: &completed}
	if len(res.Config) > 0 {
		patch.Config = res.Config
	}
	if err := h.Store.UpdateBot(ctx, bot.ID, patch); err != nil {
		return fmt.Errorf("adopt generation %d: %w", number, err)
	}
	return nil
}
