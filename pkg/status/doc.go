// Package status serves the engine's HTTP status API.
//
// Routes:
//
//	GET  /healthz                   backend reachability
//	GET  /status                    engine snapshot
//	GET  /metrics                   prometheus exposition
//	GET  /events                    activity stream (server-sent events)
//	POST /bots/:id/approve-live     manual CANARY to LIVE approval
//	POST /bots/:id/reenable         manual re-enable after a proactive kill
package status
