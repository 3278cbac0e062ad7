package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

func goodMetrics() core.Metrics {
	return core.Metrics{
		TotalTrades:     60,
		LosingTrades:    24,
		NetProfit:       1800,
		MaxDrawdown:     0.10,
		WinRate:         0.40,
		ProfitFactor:    1.3,
		Expectancy:      30,
		Sharpe:          1.1,
		MarketDataProof: true,
	}
}

func goodEvidence() Evidence {
	m := goodMetrics()
	return Evidence{
		Metrics:           m,
		BacktestCompleted: true,
		Score:             75,
		Scored:            true,
		Recent:            []core.Metrics{m, m, m},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Gate evaluation
// ──────────────────────────────────────────────────────────────────────────────

func TestEvaluate_Conjunction(t *testing.T) {
	gates := DefaultGates()
	ev := goodEvidence()

	res := gates.Evaluate(core.StageTrials, ev)
	assert.True(t, res.Passed, "failing: %v", res.Failing())

	ev.Metrics.MaxDrawdown = 0.25
	res = gates.Evaluate(core.StageTrials, ev)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{GateMaxDrawdown}, res.Failing())
}

func TestEvaluate_EachGateCanFail(t *testing.T) {
	tests := []struct {
		gate   string
		mutate func(*Evidence)
	}{
		{GateMinTrades, func(e *Evidence) { e.Metrics.TotalTrades = 49 }},
		{GateBacktestCompleted, func(e *Evidence) { e.BacktestCompleted = false }},
		{GatePositivePnL, func(e *Evidence) { e.Metrics.NetProfit = 0 }},
		{GateMaxDrawdown, func(e *Evidence) { e.Metrics.MaxDrawdown = 0 }},
		{GateWinRate, func(e *Evidence) { e.Metrics.WinRate = 0.34 }},
		{GateProfitFactor, func(e *Evidence) { e.Metrics.ProfitFactor = 1.19 }},
		{GateExpectancy, func(e *Evidence) { e.Metrics.Expectancy = 0 }},
		{GateSharpe, func(e *Evidence) { e.Metrics.Sharpe = 0.4 }},
		{GateLosingTrades, func(e *Evidence) { e.Metrics.LosingTrades = 0 }},
		{GateMarketDataProof, func(e *Evidence) { e.Metrics.MarketDataProof = false }},
		{GateScoreThreshold, func(e *Evidence) { e.Score = 49 }},
		{GateConsistency, func(e *Evidence) { e.Recent[1].NetProfit = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.gate, func(t *testing.T) {
			ev := goodEvidence()
			ev.Recent = append([]core.Metrics(nil), ev.Recent...)
			tt.mutate(&ev)
			res := DefaultGates().Evaluate(core.StageTrials, ev)
			assert.False(t, res.Passed)
			assert.Equal(t, []string{tt.gate}, res.Failing())
		})
	}
}

func TestEvaluate_ConsistencyNeedsFullWindow(t *testing.T) {
	ev := goodEvidence()
	ev.Recent = ev.Recent[:2]
	res := DefaultGates().Evaluate(core.StageTrials, ev)
	assert.Equal(t, []string{GateConsistency}, res.Failing())
}

func TestEvaluate_HigherStagesNeedValidation(t *testing.T) {
	ev := goodEvidence()
	res := DefaultGates().Evaluate(core.StageShadow, ev)
	assert.ElementsMatch(t, []string{GateWalkForward, GateStressTest}, res.Failing())

	ev.Metrics.WalkForwardPassed = true
	ev.Metrics.StressTestPassed = true
	assert.True(t, DefaultGates().Evaluate(core.StageShadow, ev).Passed)
}

func TestEvaluate_UnknownStageNeverPasses(t *testing.T) {
	res := DefaultGates().Evaluate(core.StageLive, goodEvidence())
	assert.False(t, res.Passed)
	assert.Empty(t, res.Checks)
}

// ──────────────────────────────────────────────────────────────────────────────
// Failsafe
// ──────────────────────────────────────────────────────────────────────────────

func TestEvaluateWithFailsafe(t *testing.T) {
	gates := DefaultGates()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	latest := goodEvidence()
	latest.Metrics.MaxDrawdown = 0.25
	best := goodEvidence()
	best.CompletedAt = now.Add(-48 * time.Hour)

	v := gates.EvaluateWithFailsafe(core.StageTrials, latest, &best, 0, now)
	assert.True(t, v.Passed)
	assert.Equal(t, core.SourceBestCell, v.Source)
	assert.Equal(t, []string{GateMaxDrawdown}, v.Failing())

	v = gates.EvaluateWithFailsafe(core.StageTrials, latest, nil, 0, now)
	assert.False(t, v.Passed)

	v = gates.EvaluateWithFailsafe(core.StageTrials, latest, &best, 24*time.Hour, now)
	assert.False(t, v.Passed, "best cell older than the bound is ignored")
	assert.Nil(t, v.Best)

	v = gates.EvaluateWithFailsafe(core.StageTrials, goodEvidence(), &best, 0, now)
	assert.Equal(t, core.SourceLatest, v.Source, "latest wins when both pass")
}

// ──────────────────────────────────────────────────────────────────────────────
// Stage machine
// ──────────────────────────────────────────────────────────────────────────────

func TestNextStage(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		from  core.Stage
		event string
		want  core.Stage
	}{
		{core.StageTrials, EventPromote, core.StagePaper},
		{core.StagePaper, EventPromote, core.StageShadow},
		{core.StageShadow, EventPromote, core.StageCanary},
		{core.StagePaper, EventDemote, core.StageTrials},
		{core.StageShadow, EventDemote, core.StagePaper},
		{core.StageCanary, EventDemote, core.StageShadow},
		{core.StageCanary, EventApproveLive, core.StageLive},
	}
	for _, tt := range tests {
		got, err := nextStage(ctx, tt.from, tt.event)
		require.NoError(t, err, "%s from %s", tt.event, tt.from)
		assert.Equal(t, tt.want, got)
	}

	_, err := nextStage(ctx, core.StageCanary, EventPromote)
	assert.ErrorIs(t, err, core.ErrManualApprovalRequired)

	_, err = nextStage(ctx, core.StagePaper, EventApproveLive)
	assert.ErrorIs(t, err, core.ErrNotCanary)

	_, err = nextStage(ctx, core.StageTrials, EventDemote)
	var invalid *fsm.InvalidEventError
	assert.ErrorAs(t, err, &invalid)

	assert.True(t, CanPromote(core.StageShadow))
	assert.False(t, CanPromote(core.StageCanary))
	assert.False(t, CanDemote(core.StageTrials))
	assert.False(t, CanDemote(core.StageLive))
}

// ──────────────────────────────────────────────────────────────────────────────
// Auto-revert target
// ──────────────────────────────────────────────────────────────────────────────

func gensWithSharpe(sharpes ...float64) []*core.Generation {
	out := make([]*core.Generation, len(sharpes))
	for i, s := range sharpes {
		out[i] = &core.Generation{Number: i + 1, Sharpe: s}
	}
	return out
}

func TestRevertTarget(t *testing.T) {
	gens := gensWithSharpe(1.0, 1.5, 1.4, 1.3, 1.1)

	peak, drop, ok := RevertTarget(gens, 5, 0.20)
	require.True(t, ok)
	assert.Equal(t, 2, peak.Number)
	assert.InDelta(t, 0.2667, drop, 0.001)

	_, _, ok = RevertTarget(gensWithSharpe(1.0, 1.5, 1.4, 1.3, 1.25), 5, 0.20)
	assert.False(t, ok, "decline below threshold")

	_, _, ok = RevertTarget(gensWithSharpe(1.0, 1.2), 2, 0.20)
	assert.False(t, ok, "current is the peak")

	_, _, ok = RevertTarget(gensWithSharpe(-1.0, -2.0), 2, 0.20)
	assert.False(t, ok, "no positive peak")

	_, _, ok = RevertTarget(gens, 9, 0.20)
	assert.False(t, ok, "current generation not in window")

	peak, _, ok = RevertTarget(gensWithSharpe(1.0, 2.0, 0.5, 3.0), 3, 0.20)
	require.True(t, ok)
	assert.Equal(t, 2, peak.Number, "only generations older than current count")
}
