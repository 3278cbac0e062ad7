package core

import (
	"errors"
	"fmt"
)

// Lookup and state errors
var (
	ErrNotFound         = errors.New("fleet: record not found")
	ErrUnknownJobType   = errors.New("fleet: unknown job type")
	ErrJobNotRunning    = errors.New("fleet: job is not running")
	ErrJobNotOwned      = errors.New("fleet: job not owned by this worker")
	ErrDuplicateJob     = errors.New("fleet: duplicate job with same unique key")
	ErrDuplicateGen     = errors.New("fleet: generation number already recorded")
	ErrBotKilled        = errors.New("fleet: bot has been killed")
	ErrInvalidWorker    = errors.New("fleet: invalid worker name")
	ErrWorkerExists     = errors.New("fleet: worker already registered")
	ErrSchedulerActive  = errors.New("fleet: scheduler already running")
	ErrPayloadTooLarge  = errors.New("fleet: job payload exceeds maximum size")
	ErrInvalidUniqueKey = errors.New("fleet: invalid job unique key")
)

// Contention errors. These are expected outcomes when another process wins a
// race and are never escalated.
var (
	ErrLockHeld         = errors.New("fleet: lock held by another owner")
	ErrRestartConflict  = errors.New("fleet: another instance is already running")
	ErrStageChanged     = errors.New("fleet: bot stage changed concurrently")
	ErrLeaseHeld        = errors.New("fleet: leader lease held by another process")
	ErrInstanceConflict = errors.New("fleet: instance state changed concurrently")
)

// Promotion errors
var (
	ErrManualApprovalRequired = errors.New("fleet: transition requires manual approval")
	ErrNotCanary              = errors.New("fleet: bot is not in CANARY")
	ErrGatesNotPassing        = errors.New("fleet: promotion gates are not passing")
)

// ErrorCategory classifies failures so each is handled locally by the right
// policy (retry, skip, fail the job, kill the bot, or log).
type ErrorCategory int

const (
	// CategoryUnknown is anything not otherwise classified. Caught at the
	// worker boundary and logged.
	CategoryUnknown ErrorCategory = iota

	// CategoryTransient is a connectivity or timeout failure. Triggers the
	// backend circuit and per-worker backoff.
	CategoryTransient

	// CategoryContention is a lost race (lock held, conditional update missed).
	// Skipped silently.
	CategoryContention

	// CategoryJobFailure is a job-level problem (no trades, insufficient
	// history). The job is failed with a message and not retried blindly.
	CategoryJobFailure

	// CategoryInvariantBreach is fatal for the bot involved.
	CategoryInvariantBreach
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryContention:
		return "contention"
	case CategoryJobFailure:
		return "job_failure"
	case CategoryInvariantBreach:
		return "invariant_breach"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// JobFailure marks err as a job-level failure.
func JobFailure(err error) error {
	return &CategorizedError{Err: err, Category: CategoryJobFailure}
}

// Transient marks err as a transient infrastructure failure.
func Transient(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// InvariantBreach marks err as an invariant breach.
func InvariantBreach(err error) error {
	return &CategorizedError{Err: err, Category: CategoryInvariantBreach}
}

// Categorize returns the category of err. Known contention sentinels are
// classified without wrapping.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if IsContention(err) {
		return CategoryContention
	}
	return CategoryUnknown
}

// IsContention reports whether err is an expected lost race.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrRestartConflict) ||
		errors.Is(err, ErrStageChanged) ||
		errors.Is(err, ErrLeaseHeld) ||
		errors.Is(err, ErrInstanceConflict) ||
		errors.Is(err, ErrDuplicateJob)
}
