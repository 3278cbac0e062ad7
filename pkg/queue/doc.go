// Package queue is the producer side of the job table.
//
// The autonomy loop, the status API and embedding applications enqueue typed
// payloads through a Producer; consumers claim them with pkg/consumer.
// Producer also satisfies the baseline half of core.BacktestExecutor, so an
// executor can delegate QueueBaseline to the engine's own queue.
package queue
