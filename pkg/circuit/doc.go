// Package circuit provides per-entity circuit breakers and the shared
// backend-availability signal.
//
// A Registry breaker opens after Threshold consecutive failures for a key and
// resets after Cooldown or on the next recorded success. The instance
// supervisor keys breakers by bot ID; the consumers key the backtest pipeline
// by name.
//
// Backend is a single flag opened on connectivity failures. The worker
// supervisor consults it before every database-dependent run.
package circuit
