// Package backoff tracks per-worker failure streaks and turns them into retry
// delays.
//
// This package includes:
//   - Registry: an injectable, concurrency-safe map of worker name to failure
//     count and next retry time, with exponential delay and bounded jitter
//   - Retry: in-call retry with exponential backoff for a single storage call
//   - IsConnectivityError: classification of transient connection failures
package backoff
