package health

import (
	"fmt"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// DefaultJobTimeout applies to job types without an entry in the table.
const DefaultJobTimeout = 30 * time.Minute

// TimeoutTable maps job types to the silence after which a RUNNING job is
// considered dead.
type TimeoutTable struct {
	Default time.Duration
	ByType  map[core.JobType]time.Duration
}

// DefaultTimeoutTable returns the built-in per-type timeouts.
func DefaultTimeoutTable() TimeoutTable {
	return TimeoutTable{
		Default: DefaultJobTimeout,
		ByType: map[core.JobType]time.Duration{
			core.JobTypeHealthCheck:    5 * time.Minute,
			core.JobTypePromotionCheck: 10 * time.Minute,
			core.JobTypeDemotionCheck:  10 * time.Minute,
			core.JobTypeBacktester:     30 * time.Minute,
			core.JobTypeImproving:      45 * time.Minute,
			core.JobTypeEvolving:       45 * time.Minute,
			core.JobTypeMatrixRun:      60 * time.Minute,
		},
	}
}

// Timeout returns the timeout for t.
func (tt TimeoutTable) Timeout(t core.JobType) time.Duration {
	if d, ok := tt.ByType[t]; ok && d > 0 {
		return d
	}
	if tt.Default > 0 {
		return tt.Default
	}
	return DefaultJobTimeout
}

// Override returns a copy of tt with the given minutes per job type applied.
func (tt TimeoutTable) Override(minutes map[string]int) (TimeoutTable, error) {
	out := TimeoutTable{Default: tt.Default, ByType: make(map[core.JobType]time.Duration, len(tt.ByType))}
	for k, v := range tt.ByType {
		out.ByType[k] = v
	}
	for name, m := range minutes {
		if m <= 0 {
			return tt, fmt.Errorf("timeout for %s must be positive, got %d", name, m)
		}
		if name == "default" {
			out.Default = time.Duration(m) * time.Minute
			continue
		}
		if !core.JobType(name).Valid() {
			return tt, fmt.Errorf("timeout override: %w: %q", core.ErrUnknownJobType, name)
		}
		out.ByType[core.JobType(name)] = time.Duration(m) * time.Minute
	}
	return out, nil
}
