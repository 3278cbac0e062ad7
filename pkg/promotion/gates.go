package promotion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Gate names.
const (
	GateMinTrades         = "min_trades"
	GateBacktestCompleted = "backtest_completed"
	GatePositivePnL       = "positive_pnl"
	GateMaxDrawdown       = "max_drawdown"
	GateWinRate           = "win_rate"
	GateProfitFactor      = "profit_factor"
	GateExpectancy        = "expectancy"
	GateSharpe            = "sharpe"
	GateLosingTrades      = "has_losing_trades"
	GateMarketDataProof   = "market_data_proof"
	GateScoreThreshold    = "score_threshold"
	GateConsistency       = "consistency"
	GateWalkForward       = "walk_forward"
	GateStressTest        = "stress_test"
)

// Thresholds is the gate set that must pass to leave a stage.
type Thresholds struct {
	MinTrades       int     `yaml:"min_trades" validate:"gte=0"`
	MaxDrawdown     float64 `yaml:"max_drawdown" validate:"gt=0,lte=1"`
	MinWinRate      float64 `yaml:"min_win_rate" validate:"gte=0,lte=1"`
	MinProfitFactor float64 `yaml:"min_profit_factor" validate:"gte=0"`
	MinExpectancy   float64 `yaml:"min_expectancy"`
	MinSharpe       float64 `yaml:"min_sharpe"`
	MinScore        float64 `yaml:"min_score" validate:"gte=0,lte=100"`

	// ConsistencyWindow is how many of the latest completed sessions must
	// each be profitable within the drawdown cap. Zero disables the gate.
	ConsistencyWindow int `yaml:"consistency_window" validate:"gte=0"`

	RequireWalkForward bool `yaml:"require_walk_forward"`
	RequireStressTest  bool `yaml:"require_stress_test"`
}

// Gates maps a stage to the thresholds for leaving it upwards.
type Gates map[core.Stage]Thresholds

// DefaultGates returns the stock gate sets. LIVE has none: nothing is above it.
func DefaultGates() Gates {
	base := Thresholds{
		MinTrades:       50,
		MaxDrawdown:     0.20,
		MinWinRate:      0.35,
		MinProfitFactor: 1.2,
		MinSharpe:       0.5,
		MinScore:        50,
	}

	trials := base
	trials.ConsistencyWindow = 3

	paper := base
	paper.MinTrades = 30
	paper.MinScore = 60

	shadow := base
	shadow.MinTrades = 30
	shadow.MinScore = 70
	shadow.ConsistencyWindow = 3
	shadow.RequireWalkForward = true
	shadow.RequireStressTest = true

	canary := shadow
	canary.MinScore = 70
	canary.MaxDrawdown = 0.15

	return Gates{
		core.StageTrials: trials,
		core.StagePaper:  paper,
		core.StageShadow: shadow,
		core.StageCanary: canary,
	}
}

// Evidence is what the gates are evaluated against.
type Evidence struct {
	Metrics           core.Metrics
	BacktestCompleted bool
	Score             float64
	// Scored is false when no autonomy score has been computed yet.
	Scored bool
	// Recent holds the latest completed sessions, newest first.
	Recent []core.Metrics
	// CompletedAt is when the evidence was produced. Zero means unknown.
	CompletedAt time.Time
}

// Check is the outcome of one gate.
type Check struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
}

// Result is the outcome of a full gate set.
type Result struct {
	Stage  core.Stage `json:"stage"`
	Passed bool       `json:"passed"`
	Checks []Check    `json:"checks"`
}

// Failing returns the names of failed gates, sorted.
func (r Result) Failing() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Signature identifies the failing set for log suppression.
func (r Result) Signature() string {
	return strings.Join(r.Failing(), ",")
}

// Evaluate runs the gate set for stage. A stage without gates never passes.
func (g Gates) Evaluate(stage core.Stage, ev Evidence) Result {
	t, ok := g[stage]
	if !ok {
		return Result{Stage: stage}
	}
	m := ev.Metrics
	checks := []Check{
		{GateMinTrades, m.TotalTrades >= t.MinTrades, fmt.Sprint(m.TotalTrades), fmt.Sprintf(">= %d", t.MinTrades)},
		{GateBacktestCompleted, ev.BacktestCompleted, fmt.Sprint(ev.BacktestCompleted), "true"},
		{GatePositivePnL, m.NetProfit > 0, fmt.Sprintf("%.2f", m.NetProfit), "> 0"},
		{GateMaxDrawdown, m.MaxDrawdown > 0 && m.MaxDrawdown <= t.MaxDrawdown, pct(m.MaxDrawdown), fmt.Sprintf("(0, %s]", pct(t.MaxDrawdown))},
		{GateWinRate, m.WinRate >= t.MinWinRate, pct(m.WinRate), ">= " + pct(t.MinWinRate)},
		{GateProfitFactor, m.ProfitFactor >= t.MinProfitFactor, fmt.Sprintf("%.2f", m.ProfitFactor), fmt.Sprintf(">= %.2f", t.MinProfitFactor)},
		{GateExpectancy, m.Expectancy > t.MinExpectancy, fmt.Sprintf("%.2f", m.Expectancy), fmt.Sprintf("> %.2f", t.MinExpectancy)},
		{GateSharpe, m.Sharpe >= t.MinSharpe, fmt.Sprintf("%.2f", m.Sharpe), fmt.Sprintf(">= %.2f", t.MinSharpe)},
		{GateLosingTrades, m.LosingTrades > 0, fmt.Sprint(m.LosingTrades), "> 0"},
		{GateMarketDataProof, m.MarketDataProof, fmt.Sprint(m.MarketDataProof), "true"},
		{GateScoreThreshold, ev.Score >= t.MinScore, fmt.Sprintf("%.1f", ev.Score), fmt.Sprintf(">= %.1f", t.MinScore)},
	}
	if t.ConsistencyWindow > 0 {
		n := consistent(ev.Recent, t)
		checks = append(checks, Check{GateConsistency, n >= t.ConsistencyWindow,
			fmt.Sprintf("%d/%d", n, t.ConsistencyWindow), fmt.Sprintf("last %d profitable", t.ConsistencyWindow)})
	}
	if t.RequireWalkForward {
		checks = append(checks, Check{GateWalkForward, m.WalkForwardPassed, fmt.Sprint(m.WalkForwardPassed), "true"})
	}
	if t.RequireStressTest {
		checks = append(checks, Check{GateStressTest, m.StressTestPassed, fmt.Sprint(m.StressTestPassed), "true"})
	}

	passed := true
	for _, c := range checks {
		passed = passed && c.Passed
	}
	return Result{Stage: stage, Passed: passed, Checks: checks}
}

// consistent counts how many of the latest window sessions are profitable
// within the drawdown cap, stopping at the first one that is not.
func consistent(recent []core.Metrics, t Thresholds) int {
	n := 0
	for i := 0; i < len(recent) && i < t.ConsistencyWindow; i++ {
		m := recent[i]
		if m.NetProfit <= 0 || m.MaxDrawdown > t.MaxDrawdown {
			break
		}
		n++
	}
	return n
}

func pct(f float64) string { return fmt.Sprintf("%.1f%%", f*100) }

// Verdict combines the latest evaluation with the best cross-validated cell.
type Verdict struct {
	Passed bool    `json:"passed"`
	Source string  `json:"source,omitempty"`
	Latest Result  `json:"latest"`
	Best   *Result `json:"best,omitempty"`
}

// Failing returns the failing gates of the latest evaluation.
func (v Verdict) Failing() []string { return v.Latest.Failing() }

// EvaluateWithFailsafe passes when either the latest evidence or the best
// matrix cell passes the gate set of stage on its own. A nil best is ignored.
// When maxCellAge is positive, a best cell older than that relative to now is
// ignored too.
func (g Gates) EvaluateWithFailsafe(stage core.Stage, latest Evidence, best *Evidence, maxCellAge time.Duration, now time.Time) Verdict {
	v := Verdict{Latest: g.Evaluate(stage, latest)}
	if v.Latest.Passed {
		v.Passed = true
		v.Source = core.SourceLatest
	}
	if best == nil {
		return v
	}
	if maxCellAge > 0 && !best.CompletedAt.IsZero() && now.Sub(best.CompletedAt) > maxCellAge {
		return v
	}
	b := g.Evaluate(stage, *best)
	v.Best = &b
	if !v.Passed && b.Passed {
		v.Passed = true
		v.Source = core.SourceBestCell
	}
	return v
}
