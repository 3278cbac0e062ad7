// Package handler provides the typed job handler registry used by the consumer.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Handler: a job type bound to a function over its decoded payload
//   - Registry: concurrent-safe lookup of handlers by job type
package handler
