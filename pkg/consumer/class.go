package consumer

import "github.com/jdziat/fleet-orchestrator/pkg/core"

// Class groups job types drained by one consumer worker.
type Class string

const (
	ClassBacktest Class = "backtest"
	ClassImprove  Class = "improve"
	ClassEvolve   Class = "evolve"
)

// Classes lists every class.
var Classes = []Class{ClassBacktest, ClassImprove, ClassEvolve}

// Types returns the job types claimed by c.
func (c Class) Types() []core.JobType {
	switch c {
	case ClassBacktest:
		return []core.JobType{core.JobTypeBacktester, core.JobTypeMatrixRun}
	case ClassImprove:
		return []core.JobType{core.JobTypeImproving}
	case ClassEvolve:
		return []core.JobType{core.JobTypeEvolving}
	default:
		return nil
	}
}

// Heavy reports whether c draws from the heavy slot pool.
func (c Class) Heavy() bool { return c == ClassBacktest }
