// Package health detects RUNNING jobs whose heartbeat has gone silent.
//
// Timeouts are per job type: quick checks time out in minutes, matrix runs in
// an hour. Every timeout is recorded as a HEARTBEAT_TIMEOUT state transition.
package health
