// Package instances supervises bot trading instances.
//
// Each Tick:
//   - restarts RUNNING instances whose heartbeat went silent, under a per-bot
//     lock and through one atomic conditional restart statement
//   - counts restart failures on the bot's circuit breaker and, once it is
//     open, proactively kills bots in a kill stage
//   - resets a breaker only after the replacement instance heartbeats
//   - fails jobs stuck without heartbeat
//   - starts bots that should be trading and are not
//   - prunes long-stopped instances
//
// At most one RUNNING or PENDING instance exists per bot; this is enforced by
// storage, not by in-memory state.
package instances
