package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jdziat/fleet-orchestrator/pkg/activity"
	"github.com/jdziat/fleet-orchestrator/pkg/autonomy"
	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/config"
	"github.com/jdziat/fleet-orchestrator/pkg/consumer"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/governor"
	"github.com/jdziat/fleet-orchestrator/pkg/health"
	"github.com/jdziat/fleet-orchestrator/pkg/instances"
	"github.com/jdziat/fleet-orchestrator/pkg/leader"
	"github.com/jdziat/fleet-orchestrator/pkg/lock"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/notify"
	"github.com/jdziat/fleet-orchestrator/pkg/promotion"
	"github.com/jdziat/fleet-orchestrator/pkg/queue"
	"github.com/jdziat/fleet-orchestrator/pkg/status"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
	"github.com/jdziat/fleet-orchestrator/pkg/worker"
)

// Worker names, in registration order.
const (
	WorkerJobTimeoutMonitor  = "job-timeout-monitor"
	WorkerInstanceSupervisor = "instance-supervisor"
	WorkerBacktestConsumer   = "backtest-consumer"
	WorkerImproveConsumer    = "improve-consumer"
	WorkerEvolveConsumer     = "evolve-consumer"
	WorkerAutonomyLoop       = "autonomy-loop"
)

const tracerName = "github.com/jdziat/fleet-orchestrator/pkg/engine"

// Engine owns every component of one orchestrator process. Only the leader
// runs workers; every process serves the status API.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	store      *storage.GormStorage
	ownsStore  bool
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	tracer     *sdktrace.TracerProvider
	hub        *activity.Hub
	activity   *activity.Log
	notifier   core.NotificationSink
	breakers   *circuit.Registry
	backend    *circuit.Backend
	backoff    *backoff.Registry
	locker     lock.Locker
	probe      governor.MemoryProbe
	governor   *governor.Governor
	monitor    *health.Monitor
	instances  *instances.Supervisor
	consumer   *consumer.Consumer
	producer   *queue.Producer
	scorer     *autonomy.Scorer
	promotion  *promotion.Machine
	elector    leader.Elector
	supervisor *worker.Supervisor
	scheduler  *worker.Scheduler
	api        *status.Server

	executor  core.BacktestExecutor
	baselines Baselines
	improver  core.Improver
	evolver   core.Evolver
	runner    core.InstanceRunner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	running atomic.Bool
}

// New wires an engine from cfg. Storage is opened and migrated unless
// WithStorage is given.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyEngine(e)
	}

	if e.store == nil {
		s, err := storage.Open(cfg.Database.DSN, cfg.PoolOptions(), storage.WithClock(e.now))
		if err != nil {
			return nil, err
		}
		e.store = s
		e.ownsStore = true
	}
	if err := e.store.Migrate(ctx); err != nil {
		e.closeStore()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := e.wire(); err != nil {
		e.closeStore()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire() error {
	cfg := e.cfg
	logger := e.logger

	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	e.metrics = metrics.New(e.registry)
	e.tracer = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))

	e.hub = activity.NewHub()
	e.activity = activity.New(e.store,
		activity.WithHub(e.hub),
		activity.WithLogger(logger),
		activity.WithClock(e.now),
	)

	if e.notifier == nil {
		if cfg.Notify.WebhookURL != "" {
			wc := notify.DefaultWebhookConfig(cfg.Notify.WebhookURL)
			if cfg.Notify.RatePerMinute > 0 {
				wc.RatePerMinute = cfg.Notify.RatePerMinute
			}
			if cfg.Notify.Timeout > 0 {
				wc.Timeout = cfg.Notify.Timeout
			}
			e.notifier = notify.NewWebhookSink(wc)
		} else {
			e.notifier = notify.Nop{}
		}
	}

	e.breakers = circuit.NewRegistry(circuit.WithConfig(cfg.BreakerOptions()), circuit.WithClock(e.now))
	backendCooldown := cfg.Breaker.BackendCooldown
	if backendCooldown <= 0 {
		backendCooldown = circuit.DefaultBackendCooldown
	}
	e.backend = circuit.NewBackend(circuit.WithConfig(circuit.Config{Cooldown: backendCooldown}), circuit.WithClock(e.now))
	e.backoff = backoff.NewRegistry()
	e.locker = lock.NewStoreLocker(e.store, logger)

	govOpts := []governor.Option{
		governor.WithConfig(cfg.Governor),
		governor.WithLogger(logger),
		governor.WithMetrics(e.metrics),
		governor.WithActivity(e.activity),
		governor.WithClock(e.now),
	}
	if e.probe != nil {
		govOpts = append(govOpts, governor.WithProbe(e.probe))
	}
	e.governor = governor.New(govOpts...)

	table, err := cfg.TimeoutTable()
	if err != nil {
		return err
	}
	e.instances = instances.NewSupervisor(e.store, e.locker, e.breakers,
		instances.WithConfig(cfg.SupervisorConfig()),
		instances.WithRunner(e.runner),
		instances.WithNotifier(e.notifier),
		instances.WithActivity(e.activity),
		instances.WithMetrics(e.metrics),
		instances.WithLogger(logger),
		instances.WithClock(e.now),
	)

	e.monitor = health.NewMonitor(e.store,
		health.WithTimeouts(table),
		health.WithLogger(logger),
		health.WithActivity(e.activity),
		health.WithMetrics(e.metrics),
		health.WithClock(e.now),
		health.WithEscalator(e.instances),
	)

	e.promotion = promotion.New(e.store,
		promotion.WithConfig(cfg.Promotion),
		promotion.WithGates(cfg.PromotionGates()),
		promotion.WithNotifier(e.notifier),
		promotion.WithActivity(e.activity),
		promotion.WithMetrics(e.metrics),
		promotion.WithLogger(logger),
		promotion.WithClock(e.now),
	)
	e.scorer = autonomy.NewScorer(e.store,
		autonomy.WithBreakers(e.breakers),
		autonomy.WithActivity(e.activity),
		autonomy.WithMetrics(e.metrics),
		autonomy.WithLogger(logger),
		autonomy.WithClock(e.now),
	)

	e.producer = queue.New(e.store)
	if e.baselines == nil && e.executor != nil {
		e.baselines = e.producer
	}

	e.consumer = consumer.New(e.store,
		consumer.WithConfig(consumer.Config{
			WorkerID:          "consumer-" + uuid.New().String()[:8],
			HeartbeatInterval: cfg.Workers.JobHeartbeat,
		}),
		consumer.WithSlots(e.governor),
		consumer.WithLogger(logger),
		consumer.WithActivity(e.activity),
		consumer.WithMetrics(e.metrics),
		consumer.WithClock(e.now),
	)
	handlers := consumer.Handlers{
		Store:    e.store,
		Executor: e.executor,
		Improver: e.improver,
		Evolver:  e.evolver,
		Gate:     e.promotion,
		Activity: e.activity,
		Now:      e.now,
	}
	if err := handlers.Register(e.consumer); err != nil {
		return err
	}

	if e.elector == nil {
		el, err := e.newElector()
		if err != nil {
			return err
		}
		e.elector = el
	}

	e.supervisor = worker.NewSupervisor(e.elector, e.backend, e.backoff,
		worker.WithLogger(logger),
		worker.WithActivity(e.activity),
		worker.WithMetrics(e.metrics),
		worker.WithTracer(e.tracer.Tracer(tracerName)),
		worker.WithClock(e.now),
	)
	e.scheduler = worker.NewScheduler(e.supervisor)
	if err := e.registerWorkers(); err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		e.api = status.New(e,
			status.WithGatherer(e.registry),
			status.WithHub(e.hub),
			status.WithToken(cfg.HTTP.Token),
			status.WithLogger(logger),
		)
	}
	return nil
}

func (e *Engine) newElector() (leader.Elector, error) {
	switch e.cfg.Leader.Mode {
	case config.LeaderLease:
		lc := leader.DefaultLeaseConfig()
		lc.Name = e.cfg.Leader.Name
		if e.cfg.Leader.TTL > 0 {
			lc.TTL = e.cfg.Leader.TTL
		}
		return leader.NewLeaseElector(e.store, lc, e.now), nil
	case config.LeaderAdvisory:
		return leader.NewAdvisoryElector(e.store.DB(), e.cfg.Leader.Name)
	default:
		return leader.NewStatic(), nil
	}
}

func (e *Engine) registerWorkers() error {
	schedules, err := e.cfg.Schedules()
	if err != nil {
		return err
	}
	fns := []struct {
		name string
		fn   worker.Func
	}{
		{WorkerJobTimeoutMonitor, e.checkJobTimeouts},
		{WorkerInstanceSupervisor, e.superviseInstances},
		{WorkerBacktestConsumer, e.consume(consumer.ClassBacktest)},
		{WorkerImproveConsumer, e.consume(consumer.ClassImprove)},
		{WorkerEvolveConsumer, e.consume(consumer.ClassEvolve)},
		{WorkerAutonomyLoop, e.runAutonomyLoop},
	}
	for _, w := range fns {
		if err := e.scheduler.Register(w.name, schedules[w.name], w.fn, worker.RunOnStart()); err != nil {
			return err
		}
	}
	return nil
}

// Start campaigns for leadership and serves the status API in the background.
// The scheduler runs only while this process leads.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return core.ErrSchedulerActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.baseCtx = context.WithoutCancel(ctx)
	e.running.Store(true)

	interval := e.cfg.Leader.RenewInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := leader.Campaign(runCtx, e.elector, interval, e.onElected, e.onRevoked)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("leader campaign ended", "error", err)
		}
	}()

	if e.api != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.api.ListenAndServe(runCtx, e.cfg.HTTP.Addr); err != nil {
				e.logger.Error("status API failed", "addr", e.cfg.HTTP.Addr, "error", err)
			}
		}()
	}
	e.logger.Info("engine started",
		"leader_mode", e.cfg.Leader.Mode,
		"worker_id", e.consumer.WorkerID(),
		"status_addr", e.cfg.HTTP.Addr,
	)
	return nil
}

// Stop ends the campaign, waits for every worker to return and releases
// resources. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.wg.Wait()
		e.running.Store(false)
	}
	// Campaign already stopped the scheduler; this covers a Start that never
	// reached election.
	e.scheduler.StopAll()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	var errs []error
	if err := e.tracer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if err := e.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Run starts the engine and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

func (e *Engine) closeStore() error {
	if !e.ownsStore || e.store == nil {
		return nil
	}
	e.ownsStore = false
	return e.store.Close()
}

func (e *Engine) onElected(ctx context.Context) {
	e.metrics.SetLeader(true)
	e.activity.Log(ctx, core.ActivityEntry{
		EventType: core.EventLeaderElected,
		Severity:  core.SeverityInfo,
		Title:     "Leadership acquired",
		Summary:   "starting background workers",
	})
	if err := e.scheduler.Start(ctx); err != nil {
		e.logger.Error("failed to start scheduler", "error", err)
	}
}

func (e *Engine) onRevoked() {
	e.scheduler.StopAll()
	e.metrics.SetLeader(false)
	e.activity.Log(e.baseCtx, core.ActivityEntry{
		EventType: core.EventLeaderRevoked,
		Severity:  core.SeverityWarning,
		Title:     "Leadership lost",
		Summary:   "background workers stopped",
	})
}

// Store returns the storage the engine writes to.
func (e *Engine) Store() *storage.GormStorage { return e.store }

// Producer returns the job producer.
func (e *Engine) Producer() *queue.Producer { return e.producer }

// Hub returns the in-process activity fan-out.
func (e *Engine) Hub() *activity.Hub { return e.hub }

// API returns the status server, or nil when the status API is disabled.
func (e *Engine) API() *status.Server { return e.api }

// Scheduler returns the worker scheduler.
func (e *Engine) Scheduler() *worker.Scheduler { return e.scheduler }
