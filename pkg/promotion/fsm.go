package promotion

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Stage machine events.
const (
	EventPromote     = "promote"
	EventDemote      = "demote"
	EventApproveLive = "approve_live"
)

// stageEvents is the transition table. CANARY to LIVE is reachable only
// through approve_live; promote has no edge out of CANARY.
var stageEvents = fsm.Events{
	{Name: EventPromote, Src: []string{string(core.StageTrials)}, Dst: string(core.StagePaper)},
	{Name: EventPromote, Src: []string{string(core.StagePaper)}, Dst: string(core.StageShadow)},
	{Name: EventPromote, Src: []string{string(core.StageShadow)}, Dst: string(core.StageCanary)},

	{Name: EventDemote, Src: []string{string(core.StagePaper)}, Dst: string(core.StageTrials)},
	{Name: EventDemote, Src: []string{string(core.StageShadow)}, Dst: string(core.StagePaper)},
	{Name: EventDemote, Src: []string{string(core.StageCanary)}, Dst: string(core.StageShadow)},

	{Name: EventApproveLive, Src: []string{string(core.StageCanary)}, Dst: string(core.StageLive)},
}

// nextStage resolves where event takes a bot in stage from.
func nextStage(ctx context.Context, from core.Stage, event string) (core.Stage, error) {
	m := fsm.NewFSM(string(from), stageEvents, fsm.Callbacks{})
	if !m.Can(event) {
		if from == core.StageCanary && event == EventPromote {
			return "", core.ErrManualApprovalRequired
		}
		if event == EventApproveLive {
			return "", core.ErrNotCanary
		}
		return "", &fsm.InvalidEventError{Event: event, State: string(from)}
	}
	if err := m.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return "", err
		}
	}
	return core.Stage(m.Current()), nil
}

// CanPromote reports whether the automatic promote edge exists from stage.
func CanPromote(stage core.Stage) bool {
	return fsm.NewFSM(string(stage), stageEvents, fsm.Callbacks{}).Can(EventPromote)
}

// CanDemote reports whether the automatic demote edge exists from stage.
func CanDemote(stage core.Stage) bool {
	return fsm.NewFSM(string(stage), stageEvents, fsm.Callbacks{}).Can(EventDemote)
}
