// Package config loads the daemon configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment overrides. The result is validated with struct tags before
// use.
//
// Environment overrides:
//
//	FLEET_DATABASE_DSN           database.dsn
//	FLEET_LEADER_MODE            leader.mode (single, lease, advisory)
//	FLEET_HTTP_ADDR              http.addr
//	FLEET_WEBHOOK_URL            notify.webhook_url
//	FLEET_LOG_LEVEL              log.level
//	FLEET_JOB_TIMEOUT_<TYPE>     job_timeouts.<TYPE> in minutes, e.g.
//	                             FLEET_JOB_TIMEOUT_BACKTESTER=40
package config
