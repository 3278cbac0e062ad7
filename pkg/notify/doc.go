// Package notify delivers best-effort external notifications for promotions,
// demotions, kills and READY-FOR-LIVE decisions.
package notify
