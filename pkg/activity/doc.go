// Package activity implements the append-only ActivityLog used for every
// engine state change, plus an in-process Hub for live subscribers.
package activity
