// Package storage provides the persistence layer for the fleet engine.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage that runs on
//     PostgreSQL in production and SQLite in tests
//   - Connection pool presets for the underlying *sql.DB
//
// Every state change the engine makes on its own initiative is a conditional
// update. A zero row count maps to a contention sentinel from pkg/core so that
// callers can tell a lost race from a failure.
package storage
