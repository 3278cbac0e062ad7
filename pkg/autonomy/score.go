package autonomy

import (
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Dimension caps.
const (
	MaxDataReliability = 20.0
	MaxDecisionQuality = 25.0
	MaxRiskDiscipline  = 20.0
	MaxExecutionHealth = 20.0
	MaxSupervisorTrust = 15.0
)

// Tier cutoffs.
const (
	FullAutonomyAt   = 85.0
	SemiAutonomousAt = 70.0
	SupervisedAt     = 50.0
)

// SuspiciousDrawdown is the drawdown below which a strategy with trades is
// treated as a likely simulation artifact.
const SuspiciousDrawdown = 0.005

// Inputs is everything Compute looks at.
type Inputs struct {
	Stage              core.Stage
	CompletedBacktests int
	FailedBacktests    int
	Metrics            core.Metrics

	// Execution.
	RunningInstance bool
	HeartbeatAge    time.Duration
	RecentJobs      int
	RecentFailures  int
	RecentTimeouts  int

	// Supervision.
	Killed          bool
	KillEvents      int
	BreakerFailures int
	Demotions       int
}

// Breakdown is the per-dimension score persisted alongside the total.
type Breakdown struct {
	DataReliability float64  `json:"data_reliability"`
	DecisionQuality float64  `json:"decision_quality"`
	RiskDiscipline  float64  `json:"risk_discipline"`
	ExecutionHealth float64  `json:"execution_health"`
	SupervisorTrust float64  `json:"supervisor_trust"`
	Notes           []string `json:"notes,omitempty"`
}

// Total returns the sum of all dimensions.
func (b Breakdown) Total() float64 {
	return b.DataReliability + b.DecisionQuality + b.RiskDiscipline + b.ExecutionHealth + b.SupervisorTrust
}

// Result is a computed score.
type Result struct {
	Score     float64
	Tier      core.Tier
	Breakdown Breakdown
}

// TierFor maps a score to its tier.
func TierFor(score float64) core.Tier {
	switch {
	case score >= FullAutonomyAt:
		return core.TierFullAutonomy
	case score >= SemiAutonomousAt:
		return core.TierSemiAutonomous
	case score >= SupervisedAt:
		return core.TierSupervised
	default:
		return core.TierLocked
	}
}

// Compute scores in.
func Compute(in Inputs) Result {
	var b Breakdown
	b.DataReliability = dataReliability(in, &b)
	b.DecisionQuality = decisionQuality(in, &b)
	b.RiskDiscipline = riskDiscipline(in, &b)
	b.ExecutionHealth = executionHealth(in, &b)
	b.SupervisorTrust = supervisorTrust(in, &b)

	score := b.Total()
	return Result{Score: score, Tier: TierFor(score), Breakdown: b}
}

func capAt(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < 0 {
		return 0
	}
	return v
}

func dataReliability(in Inputs, b *Breakdown) float64 {
	var s float64
	switch n := in.CompletedBacktests; {
	case n >= 20:
		s += 12
	case n >= 10:
		s += 9
	case n >= 5:
		s += 6
	case n >= 1:
		s += 3
	}

	if total := in.CompletedBacktests + in.FailedBacktests; total > 0 {
		rate := float64(in.CompletedBacktests) / float64(total)
		switch {
		case rate >= 0.9:
			s += 5
		case rate >= 0.7:
			s += 3
		default:
			b.Notes = append(b.Notes, "backtests fail often")
		}
	}

	if in.Metrics.MarketDataProof {
		s += 3
	}
	return capAt(s, MaxDataReliability)
}

func decisionQuality(in Inputs, b *Breakdown) float64 {
	m := in.Metrics
	if m.TotalTrades == 0 {
		b.Notes = append(b.Notes, "no trades")
		return 0
	}
	var s float64
	switch {
	case m.Sharpe >= 2:
		s += 8
	case m.Sharpe >= 1:
		s += 6
	case m.Sharpe >= 0.5:
		s += 3
	}
	switch {
	case m.WinRate >= 0.5:
		s += 6
	case m.WinRate >= 0.4:
		s += 4
	case m.WinRate >= 0.35:
		s += 2
	}
	switch {
	case m.ProfitFactor >= 1.5:
		s += 6
	case m.ProfitFactor >= 1.2:
		s += 4
	case m.ProfitFactor > 1:
		s += 2
	}
	if m.Expectancy > 0 {
		s += 3
	}
	if m.LosingTrades > 0 {
		s += 2
	} else {
		b.Notes = append(b.Notes, "no losing trades")
	}
	return capAt(s, MaxDecisionQuality)
}

func riskDiscipline(in Inputs, b *Breakdown) float64 {
	m := in.Metrics
	if m.TotalTrades == 0 {
		return 0
	}
	var s float64
	switch dd := m.MaxDrawdown; {
	case dd < SuspiciousDrawdown:
		s += 2
		b.Notes = append(b.Notes, "drawdown near zero")
	case dd <= 0.10:
		s += 14
	case dd <= 0.20:
		s += 10
	case dd <= 0.30:
		s += 5
	}
	if m.WalkForwardPassed {
		s += 3
	}
	if m.StressTestPassed {
		s += 3
	}
	return capAt(s, MaxRiskDiscipline)
}

// HealthyHeartbeat is the heartbeat age up to which a running instance counts
// as healthy.
const HealthyHeartbeat = 2 * time.Minute

func executionHealth(in Inputs, b *Breakdown) float64 {
	if in.Killed {
		return 0
	}
	var s float64
	switch {
	case !in.Stage.IsExecutable():
		s += 8
	case in.RunningInstance && in.HeartbeatAge <= HealthyHeartbeat:
		s += 8
	case in.RunningInstance:
		s += 3
		b.Notes = append(b.Notes, "heartbeat lagging")
	default:
		b.Notes = append(b.Notes, "not running")
	}

	switch {
	case in.RecentTimeouts == 0:
		s += 6
	case in.RecentTimeouts <= 2:
		s += 3
	}

	if in.RecentJobs > 0 {
		rate := float64(in.RecentFailures) / float64(in.RecentJobs)
		switch {
		case rate <= 0.05:
			s += 6
		case rate <= 0.2:
			s += 3
		}
	} else {
		s += 6
	}
	return capAt(s, MaxExecutionHealth)
}

func supervisorTrust(in Inputs, b *Breakdown) float64 {
	if in.Killed {
		b.Notes = append(b.Notes, "killed")
		return 0
	}
	var s float64
	if in.KillEvents == 0 {
		s += 5
	}
	switch {
	case in.BreakerFailures == 0:
		s += 5
	case in.BreakerFailures < 3:
		s += 2
	}
	switch {
	case in.Demotions == 0:
		s += 5
	case in.Demotions == 1:
		s += 2
	}
	return capAt(s, MaxSupervisorTrust)
}
