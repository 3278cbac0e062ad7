// Package leader decides which process runs the fleet workers.
//
// Three electors are provided:
//   - Static: single-instance deployments, always the leader
//   - LeaseElector: a storage lease renewed on an interval; works on SQLite
//     and PostgreSQL
//   - AdvisoryElector: a PostgreSQL session advisory lock on a pinned
//     connection
//
// Campaign drives an elector and calls back on election and revocation. The
// revocation callback runs synchronously so every worker is stopped before
// this process campaigns again.
package leader
