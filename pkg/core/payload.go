package core

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of a job. Each job type has exactly one payload type.
type Payload interface {
	JobType() JobType
}

// BacktestPayload drives a single BACKTESTER run.
type BacktestPayload struct {
	SessionID  string         `json:"session_id"`
	Generation int            `json:"generation"`
	Baseline   bool           `json:"baseline,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

func (BacktestPayload) JobType() JobType { return JobTypeBacktester }

// MatrixCell is one timeframe x horizon combination of a matrix run.
type MatrixCell struct {
	Timeframe string `json:"timeframe"`
	Horizon   string `json:"horizon"`
}

// Label returns the identifier stored on the cell's session.
func (c MatrixCell) Label() string { return c.Timeframe + "x" + c.Horizon }

// MatrixPayload drives a MATRIX_RUN across several cells.
type MatrixPayload struct {
	Generation int            `json:"generation"`
	Cells      []MatrixCell   `json:"cells"`
	Params     map[string]any `json:"params,omitempty"`
}

func (MatrixPayload) JobType() JobType { return JobTypeMatrixRun }

// ImprovePayload asks the improver to tune an existing generation.
type ImprovePayload struct {
	Generation int    `json:"generation"`
	Focus      string `json:"focus,omitempty"`
}

func (ImprovePayload) JobType() JobType { return JobTypeImproving }

// EvolvePayload asks the evolver to mutate a bot into a new generation.
type EvolvePayload struct {
	FromGeneration int    `json:"from_generation"`
	Reason         string `json:"reason,omitempty"`
}

func (EvolvePayload) JobType() JobType { return JobTypeEvolving }

// CheckPayload is shared by the short health/promotion/demotion checks.
type CheckPayload struct {
	Kind JobType `json:"kind"`
}

func (p CheckPayload) JobType() JobType { return p.Kind }

// EncodePayload marshals p for storage on a Job.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return b, nil
}

// DecodePayload unmarshals raw into the payload type registered for t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case JobTypeBacktester:
		var v BacktestPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeMatrixRun:
		var v MatrixPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeImproving:
		var v ImprovePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeEvolving:
		var v EvolvePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeHealthCheck, JobTypePromotionCheck, JobTypeDemotionCheck:
		var v CheckPayload
		err = json.Unmarshal(raw, &v)
		v.Kind = t
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
