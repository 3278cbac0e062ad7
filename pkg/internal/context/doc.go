// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly.
// It carries the claimed job, the consuming worker and a heartbeat hook
// through the handler's context.Context.
package context
