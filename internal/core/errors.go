package core

import "errors"

// Sentinel errors shared across components. Callers classify failures with
// errors.Is; periodic workers treat all of them as per-iteration-local.
var (
	// ErrNotFound: unknown device or identifier. Always returned, never
	// silently defaulted — the anomaly detector's documented fail-open when
	// no baseline exists is the single exception.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: an operation arrived in a state that cannot accept it,
	// e.g. finishing profiling for a device that never started.
	ErrInvalidState = errors.New("invalid state")

	// ErrBackendUnavailable: an enforcement or store call timed out or the
	// backend was unreachable. The previous state stays in effect and the
	// sweep retries on its next tick.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrValidation: a malformed log line or record. Skip the record,
	// never abort the batch.
	ErrValidation = errors.New("validation failed")
)
