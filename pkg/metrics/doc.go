// Package metrics defines the engine's Prometheus collectors.
//
// Collectors are registered on an injected prometheus.Registerer so tests and
// embedded engines keep isolated registries.
package metrics
