// Package worker runs the engine's periodic workers.
//
// This package includes:
//   - Supervisor: the self-healing wrapper around a single worker run
//     (leadership, backend circuit, backoff, panic recovery, escalation)
//   - Scheduler: one ticker goroutine per registered worker, stoppable as a
//     group with StopAll
//
// A failing worker only affects its own backoff state; sibling workers keep
// their schedules.
package worker
