// Package security provides validation, sanitization, and limits for the fleet engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Security limits and configuration
const (
	// MaxWorkerNameLength is the maximum length for worker names
	MaxWorkerNameLength = 64

	// MaxLockKeyLength is the maximum length for distributed lock keys
	MaxLockKeyLength = 255

	// MaxConcurrency is the hard limit for job consumer concurrency
	MaxConcurrency = 256

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxPayloadSize is the maximum size of an encoded job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxPriority bounds job priority in both directions
	MaxPriority = 1000
)

// validWorkerName matches lowercase alphanumerics and hyphens, starting with a letter
var validWorkerName = regexp.MustCompile(`^[a-z][a-z0-9\-]*$`)

// credentialPatterns match secrets that connection errors tend to echo back.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|token|secret|api_key)=\S+`),
	regexp.MustCompile(`://([^:/@\s]+):([^@\s]+)@`),
}

// ValidateWorkerName validates a periodic worker name
func ValidateWorkerName(name string) error {
	if name == "" || len(name) > MaxWorkerNameLength {
		return core.ErrInvalidWorker
	}
	if !validWorkerName.MatchString(name) {
		return core.ErrInvalidWorker
	}
	return nil
}

// LockKey builds a bounded lock key from its parts.
func LockKey(parts ...string) string {
	key := strings.Join(parts, ":")
	if len(key) > MaxLockKeyLength {
		key = key[:MaxLockKeyLength]
	}
	return key
}

// SanitizeErrorMessage truncates error messages, strips control characters and
// redacts credentials before the message is stored or published.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()
	result = credentialPatterns[0].ReplaceAllString(result, "$1=***")
	result = credentialPatterns[1].ReplaceAllString(result, "://$1:***@")

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ValidateUniqueKey validates a job deduplication key.
func ValidateUniqueKey(key string) error {
	if key == "" || len(key) > MaxLockKeyLength {
		return core.ErrInvalidUniqueKey
	}
	return nil
}

// ClampPriority keeps a job priority within [-MaxPriority, MaxPriority].
func ClampPriority(p int) int {
	if p > MaxPriority {
		return MaxPriority
	}
	if p < -MaxPriority {
		return -MaxPriority
	}
	return p
}

// ClampConcurrency ensures concurrency is within [lo, min(hi, MaxConcurrency)].
func ClampConcurrency(n, lo, hi int) int {
	if hi <= 0 || hi > MaxConcurrency {
		hi = MaxConcurrency
	}
	if lo < 0 {
		lo = 0
	}
	if lo > hi {
		lo = hi
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
