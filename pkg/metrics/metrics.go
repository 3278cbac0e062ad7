package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

// Metrics holds the engine's collectors. A nil *Metrics records nothing, so
// components accept it as an optional dependency.
type Metrics struct {
	WorkerRuns     *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
	WorkerFailures *prometheus.GaugeVec
	WorkerActive   *prometheus.GaugeVec
	JobsTimedOut   *prometheus.CounterVec
	JobsStuck      prometheus.Counter
	JobsProcessed  *prometheus.CounterVec
	Restarts       *prometheus.CounterVec
	Kills          prometheus.Counter
	BreakerOpen    *prometheus.GaugeVec
	BackendOpen    prometheus.Gauge
	Slots          *prometheus.GaugeVec
	Decisions      *prometheus.CounterVec
	AutonomyScore  *prometheus.GaugeVec
	IsLeader       prometheus.Gauge
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Supervised worker invocations by outcome",
		}, []string{"worker", "outcome"}),
		WorkerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "duration_seconds",
			Help:      "Duration of executed worker runs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"worker"}),
		WorkerFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "consecutive_failures",
			Help:      "Consecutive failures per worker",
		}, []string{"worker"}),
		WorkerActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active",
			Help:      "1 while a worker ticker is scheduled",
		}, []string{"worker"}),
		JobsTimedOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "timed_out_total",
			Help:      "Jobs moved to TIMEOUT by the health monitor",
		}, []string{"type"}),
		JobsStuck: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "stuck_failed_total",
			Help:      "Stuck jobs auto-failed by the instance supervisor",
		}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs executed by consumers by type and result",
		}, []string{"type", "result"}),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instances",
			Name:      "restarts_total",
			Help:      "Instance restart attempts by result",
		}, []string{"result"}),
		Kills: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instances",
			Name:      "proactive_kills_total",
			Help:      "Bots proactively killed",
		}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "open",
			Help:      "1 while a circuit breaker is open",
		}, []string{"key"}),
		BackendOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "backend_open",
			Help:      "1 while the backend availability circuit is open",
		}),
		Slots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "slots",
			Help:      "Concurrency slots by job class",
		}, []string{"class"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "promotion",
			Name:      "decisions_total",
			Help:      "Promotion decisions by action",
		}, []string{"action"}),
		AutonomyScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "autonomy",
			Name:      "score",
			Help:      "Latest autonomy score per bot",
		}, []string{"bot"}),
		IsLeader: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 while this process holds leadership",
		}),
	}
}

// ObserveWorker records one supervised run.
func (m *Metrics) ObserveWorker(worker, outcome string, seconds float64, failures int) {
	if m == nil {
		return
	}
	m.WorkerRuns.WithLabelValues(worker, outcome).Inc()
	if seconds > 0 {
		m.WorkerDuration.WithLabelValues(worker).Observe(seconds)
	}
	m.WorkerFailures.WithLabelValues(worker).Set(float64(failures))
}

// SetWorkerActive flags a worker ticker as scheduled or stopped.
func (m *Metrics) SetWorkerActive(worker string, active bool) {
	if m == nil {
		return
	}
	m.WorkerActive.WithLabelValues(worker).Set(boolGauge(active))
}

// JobTimedOut counts a job moved to TIMEOUT.
func (m *Metrics) JobTimedOut(jobType string) {
	if m == nil {
		return
	}
	m.JobsTimedOut.WithLabelValues(jobType).Inc()
}

// StuckJobFailed counts a stuck job auto-failed.
func (m *Metrics) StuckJobFailed() {
	if m == nil {
		return
	}
	m.JobsStuck.Inc()
}

// JobProcessed counts a consumed job.
func (m *Metrics) JobProcessed(jobType, result string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(jobType, result).Inc()
}

// Restart counts a restart attempt.
func (m *Metrics) Restart(result string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(result).Inc()
}

// Kill counts a proactive kill.
func (m *Metrics) Kill() {
	if m == nil {
		return
	}
	m.Kills.Inc()
}

// SetBreaker records a breaker state.
func (m *Metrics) SetBreaker(key string, open bool) {
	if m == nil {
		return
	}
	m.BreakerOpen.WithLabelValues(key).Set(boolGauge(open))
}

// SetBackendOpen records the backend circuit state.
func (m *Metrics) SetBackendOpen(open bool) {
	if m == nil {
		return
	}
	m.BackendOpen.Set(boolGauge(open))
}

// SetSlots records governor output.
func (m *Metrics) SetSlots(heavy, light int) {
	if m == nil {
		return
	}
	m.Slots.WithLabelValues("heavy").Set(float64(heavy))
	m.Slots.WithLabelValues("light").Set(float64(light))
}

// Decision counts a promotion decision.
func (m *Metrics) Decision(action string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
}

// SetAutonomyScore records a bot's latest score.
func (m *Metrics) SetAutonomyScore(botID string, score float64) {
	if m == nil {
		return
	}
	m.AutonomyScore.WithLabelValues(botID).Set(score)
}

// SetLeader records leadership.
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	m.IsLeader.Set(boolGauge(leader))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
