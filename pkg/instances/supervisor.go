package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/lock"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/notify"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// Store is the storage the supervisor reconciles against.
type Store interface {
	core.InstanceStore
	GetBot(ctx context.Context, id string) (*core.Bot, error)
	ListBots(ctx context.Context, filter core.BotFilter) ([]*core.Bot, error)
	KillBot(ctx context.Context, req core.KillRequest) (bool, error)
	GetStuckJobs(ctx context.Context, thresholdMinutes int) ([]*core.Job, error)
	FailStuckJob(ctx context.Context, id, reason, message string) (bool, error)
}

// Report summarizes one supervisor tick.
type Report struct {
	Scanned      int
	Stale        int
	Restarted    []string
	Conflicts    int
	LockSkipped  int
	Blocked      []string
	Killed       []string
	Confirmed    []string
	StuckFailed  []string
	AutoStarted  []string
	NoAccount    []string
	Pruned       int64
	RestartFails []string
}

// Supervisor reconciles desired against actual bot instances. It restarts
// stale instances, kills bots whose breaker is open in a kill stage, fails
// stuck jobs and starts bots that should be running but are not.
type Supervisor struct {
	store    Store
	locker   lock.Locker
	breakers *circuit.Registry
	cfg      Config

	runner         core.InstanceRunner
	resolveAccount AccountResolver
	notifier       core.NotificationSink
	activity       core.ActivityLog
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time

	mu sync.Mutex
	// awaiting holds, per bot, the time of the last restart or start whose
	// confirming heartbeat has not been seen yet.
	awaiting map[string]time.Time
}

// NewSupervisor creates an instance supervisor. breakers is the per-bot
// circuit breaker registry and may be shared with other components.
func NewSupervisor(store Store, locker lock.Locker, breakers *circuit.Registry, opts ...Option) *Supervisor {
	if breakers == nil {
		breakers = circuit.NewRegistry()
	}
	s := &Supervisor{
		store:          store,
		locker:         locker,
		breakers:       breakers,
		cfg:            DefaultConfig(),
		resolveAccount: BotAccount,
		logger:         slog.Default(),
		now:            time.Now,
		awaiting:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt.applySupervisor(s)
	}
	return s
}

// Breakers returns the per-bot circuit breaker registry.
func (s *Supervisor) Breakers() *circuit.Registry { return s.breakers }

// Tick runs one reconciliation pass. Per-bot failures are handled locally;
// only connectivity failures are returned so the worker boundary can open the
// backend circuit.
func (s *Supervisor) Tick(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	keep := func(err error) {
		if err != nil && backoff.IsConnectivityError(err) {
			errs = append(errs, err)
		}
	}

	instances, err := s.store.ListRunningInstances(ctx)
	if err != nil {
		return rep, fmt.Errorf("list running instances: %w", err)
	}
	rep.Scanned = len(instances)

	now := s.now()
	for _, inst := range instances {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		age := now.Sub(inst.LastActivity())
		if age <= s.staleAfter(inst) {
			s.confirm(ctx, inst, &rep)
			continue
		}
		rep.Stale++
		keep(s.handleStale(ctx, inst, age, &rep))
	}

	keep(s.sweepStuckJobs(ctx, &rep))
	keep(s.autoStart(ctx, &rep))
	keep(s.prune(ctx, &rep))

	return rep, errors.Join(errs...)
}

func (s *Supervisor) staleAfter(inst *core.BotInstance) time.Duration {
	if inst.IsRunner() {
		return s.cfg.RunnerStaleAfter
	}
	return s.cfg.JobStaleAfter
}

func (s *Supervisor) isKillStage(stage core.Stage) bool {
	return slices.Contains(s.cfg.KillStages, stage)
}

func lockKey(botID string) string {
	return security.LockKey("instance", botID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Stale instances
// ──────────────────────────────────────────────────────────────────────────────

func (s *Supervisor) handleStale(ctx context.Context, inst *core.BotInstance, age time.Duration, rep *Report) error {
	bot, err := s.store.GetBot(ctx, inst.BotID)
	if err != nil {
		return fmt.Errorf("get bot %s: %w", inst.BotID, err)
	}

	if s.unconfirmed(bot.ID, inst) {
		s.attemptFailed(ctx, bot, inst, fmt.Errorf("instance %s never heartbeated after start", inst.ID), rep)
	}

	if s.breakers.IsOpen(bot.ID) {
		if s.isKillStage(bot.Stage) {
			detail := fmt.Sprintf("instance %s silent for %s with restart breaker open", inst.ID, age.Truncate(time.Second))
			return s.kill(ctx, bot, core.ReasonInvariantBreach, detail, rep)
		}
		rep.Blocked = append(rep.Blocked, bot.ID)
		s.logger.Warn("restart blocked, circuit breaker open",
			"bot_id", bot.ID,
			"stage", bot.Stage,
			"instance_id", inst.ID,
			"failures", s.breakers.Failures(bot.ID),
		)
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventInstanceBlocked,
			Severity:  core.SeverityWarning,
			Title:     "Restart blocked",
			Summary:   fmt.Sprintf("%s has an open restart breaker; stale instance %s left alone", bot.ID, inst.ID),
			BotID:     bot.ID,
		})
		return nil
	}

	return s.restart(ctx, bot, inst, age, rep)
}

func (s *Supervisor) restart(ctx context.Context, bot *core.Bot, inst *core.BotInstance, age time.Duration, rep *Report) error {
	key := lockKey(bot.ID)
	lk, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !lk.Proceed() {
		rep.LockSkipped++
		s.logger.Debug("restart skipped, lock held", "bot_id", bot.ID)
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, lk.LockID); err != nil {
			s.logger.Warn("failed to release restart lock", "bot_id", bot.ID, "error", err)
		}
	}()
	if lk.Degraded {
		s.logger.Warn("restarting without lock, relying on conditional update", "bot_id", bot.ID)
	}

	res, err := s.store.RestartInstance(ctx, core.RestartRequest{
		BotID:           bot.ID,
		StaleInstanceID: inst.ID,
		Reason:          core.ReasonStaleHeartbeat,
	})
	if errors.Is(err, core.ErrRestartConflict) {
		rep.Conflicts++
		s.metrics.Restart("conflict")
		s.logger.Debug("restart lost race", "bot_id", bot.ID, "instance_id", inst.ID)
		return nil
	}
	if err == nil && s.runner != nil {
		if startErr := s.runner.Start(ctx, res.Instance); startErr != nil {
			err = fmt.Errorf("start replacement %s: %w", res.Instance.ID, startErr)
		}
	}
	if err != nil {
		s.restartFailed(ctx, bot, inst, err, rep)
		return err
	}

	s.expectHeartbeat(bot.ID)
	rep.Restarted = append(rep.Restarted, bot.ID)
	s.metrics.Restart("ok")
	s.logger.Info("instance restarted",
		"bot_id", bot.ID,
		"stale_instance_id", inst.ID,
		"new_instance_id", res.Instance.ID,
		"failed_jobs", res.FailedJobs,
		"silent_for", age,
	)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventInstanceRestarted,
		Severity:  core.SeverityWarning,
		Title:     "Instance restarted",
		Summary:   fmt.Sprintf("%s restarted after %s without heartbeat", bot.ID, age.Truncate(time.Second)),
		BotID:     bot.ID,
		Payload: map[string]any{
			"stale_instance_id": inst.ID,
			"new_instance_id":   res.Instance.ID,
			"failed_jobs":       res.FailedJobs,
		},
	})
	return nil
}

func (s *Supervisor) restartFailed(ctx context.Context, bot *core.Bot, inst *core.BotInstance, err error, rep *Report) {
	s.metrics.Restart("failed")
	s.attemptFailed(ctx, bot, inst, err, rep)
}

// attemptFailed counts a failed start or restart against the bot's breaker.
func (s *Supervisor) attemptFailed(ctx context.Context, bot *core.Bot, inst *core.BotInstance, err error, rep *Report) {
	rep.RestartFails = append(rep.RestartFails, bot.ID)
	opened := s.breakers.RecordFailure(bot.ID)
	failures := s.breakers.Failures(bot.ID)

	s.logger.Error("instance restart failed",
		"bot_id", bot.ID,
		"instance_id", inst.ID,
		"failures", failures,
		"error", err,
	)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventInstanceRestartFailed,
		Severity:  core.SeverityError,
		Title:     "Instance restart failed",
		Summary:   err.Error(),
		BotID:     bot.ID,
		Payload:   map[string]any{"failures": failures},
	})
	if opened {
		s.metrics.SetBreaker(bot.ID, true)
		s.logger.Error("circuit breaker opened", "bot_id", bot.ID, "failures", failures)
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventBreakerOpened,
			Severity:  core.SeverityError,
			Title:     "Circuit breaker opened",
			Summary:   fmt.Sprintf("%s failed to restart %d times in a row", bot.ID, failures),
			BotID:     bot.ID,
		})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Positive confirmation
// ──────────────────────────────────────────────────────────────────────────────

func (s *Supervisor) expectHeartbeat(botID string) {
	s.mu.Lock()
	s.awaiting[botID] = s.now()
	s.mu.Unlock()
}

// unconfirmed reports whether botID is still waiting for the first heartbeat
// of its last start and inst has not delivered it. The wait is cleared so one
// silent start counts once.
func (s *Supervisor) unconfirmed(botID string, inst *core.BotInstance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.awaiting[botID]
	if !ok {
		return false
	}
	if inst != nil && inst.LastHeartbeatAt != nil && inst.LastHeartbeatAt.After(since) {
		return false
	}
	delete(s.awaiting, botID)
	return true
}

// confirm resets a bot's breaker once its new instance has heartbeated after
// the restart that created it.
func (s *Supervisor) confirm(ctx context.Context, inst *core.BotInstance, rep *Report) {
	s.mu.Lock()
	since, ok := s.awaiting[inst.BotID]
	if !ok || inst.LastHeartbeatAt == nil || !inst.LastHeartbeatAt.After(since) {
		s.mu.Unlock()
		return
	}
	delete(s.awaiting, inst.BotID)
	s.mu.Unlock()

	rep.Confirmed = append(rep.Confirmed, inst.BotID)
	if !s.breakers.RecordSuccess(inst.BotID) {
		return
	}
	s.metrics.SetBreaker(inst.BotID, false)
	s.logger.Info("circuit breaker reset after heartbeat", "bot_id", inst.BotID, "instance_id", inst.ID)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventBreakerReset,
		Severity:  core.SeverityInfo,
		Title:     "Circuit breaker reset",
		Summary:   fmt.Sprintf("instance %s heartbeated after restart", inst.ID),
		BotID:     inst.BotID,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Proactive kill
// ──────────────────────────────────────────────────────────────────────────────

// kill atomically disables bot, stops its instances and writes one kill
// event. Killing an already killed bot does nothing.
func (s *Supervisor) kill(ctx context.Context, bot *core.Bot, reason, detail string, rep *Report) error {
	var active []*core.BotInstance
	if s.runner != nil {
		all, err := s.store.GetInstances(ctx, bot.ID)
		if err != nil {
			return fmt.Errorf("get instances of %s: %w", bot.ID, err)
		}
		for _, inst := range all {
			if inst.Status != core.InstanceStopped {
				active = append(active, inst)
			}
		}
	}

	killed, err := s.store.KillBot(ctx, core.KillRequest{BotID: bot.ID, Reason: reason, Detail: detail})
	if err != nil {
		return fmt.Errorf("kill bot %s: %w", bot.ID, err)
	}
	if !killed {
		return nil
	}

	for _, inst := range active {
		if err := s.runner.Stop(ctx, inst); err != nil {
			s.logger.Warn("runner failed to stop killed instance", "bot_id", bot.ID, "instance_id", inst.ID, "error", err)
		}
	}

	s.mu.Lock()
	delete(s.awaiting, bot.ID)
	s.mu.Unlock()

	rep.Killed = append(rep.Killed, bot.ID)
	s.metrics.Kill()
	s.logger.Error("bot proactively killed", "bot_id", bot.ID, "stage", bot.Stage, "reason", reason, "detail", detail)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventBotKilled,
		Severity:  core.SeverityCritical,
		Title:     "Bot proactively killed",
		Summary:   detail,
		BotID:     bot.ID,
		Payload:   map[string]any{"stage": string(bot.Stage), "reason": reason},
	})
	notify.Deliver(ctx, s.notifier, core.Notification{
		Kind:    core.NotifyKill,
		BotID:   bot.ID,
		Title:   fmt.Sprintf("%s killed in %s", bot.ID, bot.Stage),
		Message: detail,
		Fields:  map[string]any{"reason": reason},
	}, s.logger)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Stuck jobs
// ──────────────────────────────────────────────────────────────────────────────

// EscalateTimeout kills the bot of a job that missed its heartbeat timeout
// when the bot is in a kill stage. It reports whether the bot was killed.
// The health monitor calls it before moving the job to TIMEOUT.
func (s *Supervisor) EscalateTimeout(ctx context.Context, job *core.Job, detail string) (bool, error) {
	if job.BotID == "" {
		return false, nil
	}
	bot, err := s.store.GetBot(ctx, job.BotID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get bot %s: %w", job.BotID, err)
	}
	if !s.isKillStage(bot.Stage) || bot.IsKilled() {
		return false, nil
	}
	var rep Report
	if err := s.kill(ctx, bot, core.ReasonStuckJob, fmt.Sprintf("job %s in %s: %s", job.ID, bot.Stage, detail), &rep); err != nil {
		return false, err
	}
	return len(rep.Killed) > 0, nil
}

func (s *Supervisor) sweepStuckJobs(ctx context.Context, rep *Report) error {
	minutes := int(s.cfg.StuckJobAfter / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	jobs, err := s.store.GetStuckJobs(ctx, minutes)
	if err != nil {
		return fmt.Errorf("get stuck jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		silent := s.now().Sub(job.LastActivity()).Truncate(time.Second)
		msg := fmt.Sprintf("%s job stuck: no heartbeat for %s, auto-failed so the bot is not blocked", job.Type, silent)

		if job.BotID != "" {
			bot, err := s.store.GetBot(ctx, job.BotID)
			switch {
			case err == nil && s.isKillStage(bot.Stage) && !bot.IsKilled():
				if err := s.kill(ctx, bot, core.ReasonStuckJob, fmt.Sprintf("job %s stuck for %s in %s", job.ID, silent, bot.Stage), rep); err != nil {
					errs = append(errs, err)
				}
				continue
			case err != nil && !errors.Is(err, core.ErrNotFound):
				errs = append(errs, fmt.Errorf("get bot %s: %w", job.BotID, err))
				continue
			}
		}

		changed, err := s.store.FailStuckJob(ctx, job.ID, core.ReasonStuckJob, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stuck job %s: %w", job.ID, err))
			continue
		}
		if !changed {
			continue
		}
		rep.StuckFailed = append(rep.StuckFailed, job.ID)
		s.metrics.StuckJobFailed()
		s.logger.Warn("stuck job failed", "job_id", job.ID, "type", job.Type, "bot_id", job.BotID, "silent_for", silent)
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventJobStuck,
			Severity:  core.SeverityWarning,
			Title:     "Stuck job failed",
			Summary:   msg,
			BotID:     job.BotID,
			Payload:   map[string]any{"job_id": job.ID, "type": string(job.Type)},
		})
	}
	return errors.Join(errs...)
}

// ──────────────────────────────────────────────────────────────────────────────
// Auto-start
// ──────────────────────────────────────────────────────────────────────────────

func executableStages() []core.Stage {
	var out []core.Stage
	for _, st := range core.Stages {
		if st.IsExecutable() {
			out = append(out, st)
		}
	}
	return out
}

// autoStart brings up bots that should be trading but have no live instance.
// A PENDING instance younger than the runner threshold is a restart in
// progress and is left for its runner.
func (s *Supervisor) autoStart(ctx context.Context, rep *Report) error {
	enabled := true
	bots, err := s.store.ListBots(ctx, core.BotFilter{Stages: executableStages(), TradingEnabled: &enabled})
	if err != nil {
		return fmt.Errorf("list tradable bots: %w", err)
	}

	var errs []error
	for _, bot := range bots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if bot.IsKilled() || bot.ArchivedAt != nil || s.breakers.IsOpen(bot.ID) {
			continue
		}
		needed, err := s.needsStart(ctx, bot.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !needed {
			continue
		}
		// Needing a start again while the previous one is unconfirmed means
		// that instance died silently.
		if s.unconfirmed(bot.ID, nil) {
			s.attemptFailed(ctx, bot, &core.BotInstance{BotID: bot.ID}, errors.New("previous start never heartbeated"), rep)
			if s.breakers.IsOpen(bot.ID) {
				if s.isKillStage(bot.Stage) {
					if err := s.kill(ctx, bot, core.ReasonInvariantBreach, "instance never heartbeated and restart breaker opened", rep); err != nil {
						errs = append(errs, err)
					}
					continue
				}
				rep.Blocked = append(rep.Blocked, bot.ID)
				continue
			}
		}
		account, ok := s.resolveAccount(ctx, bot)
		if !ok {
			rep.NoAccount = append(rep.NoAccount, bot.ID)
			s.logger.Debug("auto-start skipped, no account", "bot_id", bot.ID)
			continue
		}
		if err := s.start(ctx, bot, account, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) needsStart(ctx context.Context, botID string) (bool, error) {
	all, err := s.store.GetInstances(ctx, botID)
	if err != nil {
		return false, fmt.Errorf("get instances of %s: %w", botID, err)
	}
	now := s.now()
	for _, inst := range all {
		switch inst.Status {
		case core.InstanceRunning:
			return false, nil
		case core.InstancePending:
			if now.Sub(inst.LastActivity()) <= s.cfg.RunnerStaleAfter {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *Supervisor) start(ctx context.Context, bot *core.Bot, account string, rep *Report) error {
	key := lockKey(bot.ID)
	lk, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !lk.Proceed() {
		rep.LockSkipped++
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, lk.LockID); err != nil {
			s.logger.Warn("failed to release start lock", "bot_id", bot.ID, "error", err)
		}
	}()

	inst, err := s.store.ActivateInstance(ctx, bot.ID, account)
	if errors.Is(err, core.ErrInstanceConflict) {
		rep.Conflicts++
		return nil
	}
	if err == nil && s.runner != nil {
		if startErr := s.runner.Start(ctx, inst); startErr != nil {
			err = fmt.Errorf("start instance %s: %w", inst.ID, startErr)
		}
	}
	if err != nil {
		s.restartFailed(ctx, bot, &core.BotInstance{BotID: bot.ID}, err, rep)
		return err
	}

	s.expectHeartbeat(bot.ID)
	rep.AutoStarted = append(rep.AutoStarted, bot.ID)
	s.logger.Info("instance auto-started", "bot_id", bot.ID, "instance_id", inst.ID, "stage", bot.Stage, "account_id", account)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventInstanceStarted,
		Severity:  core.SeverityInfo,
		Title:     "Instance auto-started",
		Summary:   fmt.Sprintf("%s should be trading in %s and had no running instance", bot.ID, bot.Stage),
		BotID:     bot.ID,
		Payload:   map[string]any{"instance_id": inst.ID},
	})
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pruning
// ──────────────────────────────────────────────────────────────────────────────

func (s *Supervisor) prune(ctx context.Context, rep *Report) error {
	if s.cfg.PruneAfter <= 0 {
		return nil
	}
	n, err := s.store.PruneStoppedInstances(ctx, s.cfg.PruneAfter)
	if err != nil {
		return fmt.Errorf("prune stopped instances: %w", err)
	}
	rep.Pruned = n
	if n > 0 {
		s.logger.Info("pruned stopped instances", "count", n, "older_than", s.cfg.PruneAfter)
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventInstancesPruned,
			Severity:  core.SeverityInfo,
			Title:     "Stopped instances pruned",
			Summary:   fmt.Sprintf("%d instances stopped more than %s ago", n, s.cfg.PruneAfter),
		})
	}
	return nil
}

func (s *Supervisor) log(ctx context.Context, e core.ActivityEntry) {
	if s.activity != nil {
		s.activity.Log(ctx, e)
	}
}
