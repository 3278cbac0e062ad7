// Package consumer drains the job queue.
//
// A Consumer claims QUEUED jobs of one class, bounded by the concurrency
// governor's slots, and runs each through its typed handler while a heartbeat
// goroutine keeps the job alive. Finished jobs are completed or failed with a
// sanitized message. Job-level failures are not retried; the producer decides
// whether to enqueue again.
//
// Classes:
//
//	backtest  BACKTESTER, MATRIX_RUN   heavy slots
//	improve   IMPROVING                light slots
//	evolve    EVOLVING                 light slots
//
// Handlers wires the built-in handlers for those job types to the engine's
// collaborators (backtest executor, improver, evolver).
package consumer
