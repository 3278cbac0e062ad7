// Package schedule provides tick schedules for periodic fleet workers.
//
// This package includes:
//   - Schedule interface consumed by the worker scheduler
//   - Every() for fixed-interval workers (the common case)
//   - Daily() for once-a-day maintenance such as pruning
//   - Cron() and Parse() for cron expressions read from configuration
package schedule
