package license

import (
	"time"

	"rogkeys/internal/domain"
)

// Outcome is the result class of evaluating a key document against a
// device fingerprint.
type Outcome int

const (
	// OutcomeReject denies the attempt; Decision.Err carries the reason.
	OutcomeReject Outcome = iota
	// OutcomeBind accepts the attempt and requires the caller to perform
	// the conditional first-use bind before recording usage.
	OutcomeBind
	// OutcomeAccept accepts the attempt on an already-bound matching device.
	OutcomeAccept
)

// Decision is the pure verdict for one validation attempt.
type Decision struct {
	Outcome Outcome
	// Err is the rejection reason when Outcome == OutcomeReject.
	Err error
	// MarkExpired hints that the record's status may be lazily persisted
	// as EXPIRED. It is an optimization only; the rejection above stands
	// on the timestamp comparison alone.
	MarkExpired bool
}

// Evaluate applies the validation state machine to an already-decoded key
// record. It is a pure function of (record, now, fingerprint) and performs
// no I/O, so the trusted server path and any reference client run exactly
// the same logic. Check order is part of the protocol: it determines which
// rejection a caller sees, and later checks must not run once an earlier
// one fails.
//
// Normalization and lookup happen before Evaluate; the fingerprint must be
// non-empty and the record must have passed its strict decode.
func Evaluate(rec *domain.LicenseKey, now time.Time, fingerprint string) Decision {
	// Status gate. ARCHIVED is a soft-hide state for the admin list, but
	// for validation it is treated like PAUSED: anything non-ACTIVE denies.
	if rec.Status != domain.StatusActive {
		return Decision{Outcome: OutcomeReject, Err: &NotActiveError{Status: rec.Status}}
	}

	// Expiry gate, wall clock against the stored timestamp. Lifetime keys
	// (nil expiresAt) never expire.
	if rec.ExpiredAt(now) {
		return Decision{Outcome: OutcomeReject, Err: ErrExpired, MarkExpired: true}
	}

	// Binding gate, the one-key-one-device lock.
	if !rec.Bound() {
		return Decision{Outcome: OutcomeBind}
	}
	if *rec.BoundDeviceID != fingerprint {
		return Decision{Outcome: OutcomeReject, Err: ErrDeviceMismatch}
	}
	return Decision{Outcome: OutcomeAccept}
}
