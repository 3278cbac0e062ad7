// Package core provides the fundamental types and interfaces for the fleet
// orchestration engine.
//
// This package contains:
//   - Job, BotInstance, Bot and audit models with GORM annotations
//   - Tagged job payloads decoded once at claim time
//   - Storage interfaces defining the persistence contract
//   - Collaborator contracts (backtest executor, runner, activity log, notifications)
//   - Sentinel errors and the failure taxonomy
//
// Most users should import the root package github.com/jdziat/fleet-orchestrator
// instead of this package directly.
package core
