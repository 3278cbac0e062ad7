// Package lock provides the distributed lock used around singleton-resource
// actions such as instance restarts.
//
// StoreLocker is backed by storage lock rows shared by every process. When the
// store cannot be reached it returns a Degraded result rather than an error:
// the caller proceeds and relies on the conditional statement of the guarded
// action for exclusion. MemoryLocker serves single-process deployments.
package lock
