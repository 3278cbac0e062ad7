// Package engine wires the orchestrator together.
//
// An Engine opens storage, builds every supervision component on top of it and
// campaigns for leadership. While it leads, six supervised workers run on
// their configured schedules:
//
//	job-timeout-monitor   RUNNING jobs past their per-type timeout -> TIMEOUT
//	instance-supervisor   stale restarts, proactive kills, auto-start, pruning
//	backtest-consumer     BACKTESTER and MATRIX_RUN jobs (heavy slots)
//	improve-consumer      IMPROVING jobs (light slots)
//	evolve-consumer       EVOLVING jobs (light slots)
//	autonomy-loop         score, promote or demote, queue baselines and evolutions
//
// Losing leadership stops every worker before the next campaign attempt.
// The status API is served by every process, leader or not.
package engine
