// Package governor sizes the job consumers from memory telemetry.
//
// Heavy and light job classes each get a number of slots derived from the
// memory currently available to the host:
//
//	usable = available * SafetyMargin
//	heavy  = clamp(floor((usable - ReservedForLightMB) / HeavyCostMB), MinHeavy, MaxHeavy)
//	light  = clamp(floor((usable - heavy*HeavyCostMB) / LightCostMB), MinLight, MaxLight)
//
// Results are cached for TTL and concurrent refreshes share one probe call.
package governor
