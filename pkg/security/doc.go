// Package security provides validation, sanitization, and limits for the fleet engine.
//
// This package includes:
//   - Validation for worker names and lock keys
//   - Error message sanitization to prevent credential leakage into stored rows
//     and activity events
//   - Clamping of computed concurrency to hard limits
package security
