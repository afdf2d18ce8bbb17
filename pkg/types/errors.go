package types

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine-readable explanation attached to every
// operator-visible refusal.
type ReasonCode string

const (
	ReasonBadSignature     ReasonCode = "bad_signature"
	ReasonStaleTimestamp   ReasonCode = "stale_timestamp"
	ReasonDuplicateKey     ReasonCode = "duplicate_key"
	ReasonQueueShed        ReasonCode = "queue_shed"
	ReasonCircuitHalted    ReasonCode = "circuit_halted"
	ReasonSecondaryMode    ReasonCode = "secondary_mode_tier_refused"
	ReasonRiskScreen       ReasonCode = "risk_screen"
	ReasonNoActivePosition ReasonCode = "no_active_position"
	ReasonInvalidPayload   ReasonCode = "invalid_payload"
)

// RejectionError carries the reason code for a refused signal so callers
// can distinguish ingress rejection from load shedding from a halted
// circuit without string matching.
type RejectionError struct {
	Code   ReasonCode
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Reject builds a RejectionError with the given code and detail.
func Reject(code ReasonCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason code from err, or "internal" if the error
// is not a rejection.
func ReasonOf(err error) ReasonCode {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return "internal"
}

// Sentinel errors shared across packages.
var (
	// ErrInvalidTransition is returned when a lifecycle transition is
	// attempted from a terminal or mismatched state.
	ErrInvalidTransition = errors.New("invalid position transition")

	// ErrStaleState is returned when the durable row no longer matches
	// the state a transition was validated against.
	ErrStaleState = errors.New("position state changed concurrently")

	// ErrPositionNotFound is returned for lookups of unknown keys.
	ErrPositionNotFound = errors.New("position not found")

	// ErrQueueFull is returned when the admission queue is at capacity
	// for tiers that are never shed.
	ErrQueueFull = errors.New("admission queue full")

	// ErrConfirmTimeout is returned when a submission's bounded
	// confirmation wait expires.
	ErrConfirmTimeout = errors.New("confirmation wait timed out")
)
