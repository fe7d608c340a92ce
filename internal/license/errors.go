package license

import (
	"errors"
	"fmt"

	"rogkeys/internal/domain"
)

// Sentinel errors for the validation and lifecycle protocol. Rejections
// (ErrMissingKey through ErrDeviceMismatch) are terminal for the attempt;
// callers must not retry them with the same inputs. ErrUnavailable and
// ErrInternal are transient classes retried by clients with backoff and
// never mutate binding or usage state.
var (
	ErrMissingKey         = errors.New("missing license key")
	ErrMissingFingerprint = errors.New("missing device fingerprint")
	ErrKeyNotFound        = errors.New("license key not found")
	ErrExpired            = errors.New("license key expired")
	ErrDeviceMismatch     = errors.New("key is bound to a different device")
	ErrBindingFailed      = errors.New("device binding failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUnavailable        = errors.New("key store unavailable")
	ErrInternal           = errors.New("internal error")

	// ErrStatusTerminal is returned for admin transitions out of BANNED.
	ErrStatusTerminal = errors.New("BANNED is a terminal status")
)

// NotActiveError rejects validation of a key whose status gate fails.
// It carries the concrete status so clients can show "Key is PAUSED"
// versus "Key is BANNED" without string matching.
type NotActiveError struct {
	Status domain.KeyStatus
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("key is %s", string(e.Status))
}

// Reason is the machine-distinguishable rejection code surfaced to callers.
type Reason string

const (
	ReasonMissingKey         Reason = "MISSING_KEY"
	ReasonMissingFingerprint Reason = "MISSING_FINGERPRINT"
	ReasonKeyNotFound        Reason = "KEY_NOT_FOUND"
	ReasonKeyNotActive       Reason = "KEY_NOT_ACTIVE"
	ReasonExpired            Reason = "EXPIRED"
	ReasonDeviceMismatch     Reason = "DEVICE_MISMATCH"
	ReasonBindingFailed      Reason = "BINDING_FAILED"
	ReasonUnauthorized       Reason = "UNAUTHORIZED"
	ReasonUnavailable        Reason = "UNAVAILABLE"
	ReasonInternal           Reason = "INTERNAL_ERROR"
	ReasonAccepted           Reason = "ACCEPTED"
)

// ReasonOf maps an error from Validate to its protocol reason code.
func ReasonOf(err error) Reason {
	var notActive *NotActiveError
	switch {
	case err == nil:
		return ReasonAccepted
	case errors.Is(err, ErrMissingKey):
		return ReasonMissingKey
	case errors.Is(err, ErrMissingFingerprint):
		return ReasonMissingFingerprint
	case errors.Is(err, ErrKeyNotFound):
		return ReasonKeyNotFound
	case errors.As(err, &notActive):
		return ReasonKeyNotActive
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrDeviceMismatch):
		return ReasonDeviceMismatch
	case errors.Is(err, ErrBindingFailed):
		return ReasonBindingFailed
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrUnavailable):
		return ReasonUnavailable
	default:
		return ReasonInternal
	}
}

// Retryable reports whether the caller may retry the same request with
// backoff. Policy rejections are not retryable; only transport-class
// failures are.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
