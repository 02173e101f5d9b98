package sentlicense

import (
	"errors"
	"fmt"

	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense/seal"
)

// Cipher-stage errors, re-exported so callers need not import seal directly.
var (
	ErrTamperDetected   = seal.ErrTamperDetected
	ErrHardwareMismatch = seal.ErrHardwareMismatch
	ErrStaleToken       = seal.ErrStaleToken
)

// Sentinel errors for validation outcomes.
var (
	ErrSignatureInvalid = errors.New("license signature verification failed")
	ErrExpired          = errors.New("license expired")
	ErrRevoked          = errors.New("license revoked")
	ErrTrialExceeded    = errors.New("trial validation limit reached")
)

// Sentinel errors for local validator failures.
var (
	// ErrNetworkUnavailable means the authority could not be reached and the
	// offline grace window has elapsed. The validator fails closed.
	ErrNetworkUnavailable = errors.New("license server unreachable and grace window elapsed")

	// ErrFingerprintIndeterminate means too few stable machine attributes
	// were available to derive a trustworthy fingerprint. A constant
	// fallback would defeat hardware binding, so this is a hard error.
	ErrFingerprintIndeterminate = errors.New("machine fingerprint indeterminate")
)

// VerdictError converts a deny verdict into its sentinel error. Valid yields
// nil; unknown or Invalid verdicts yield a generic error.
func VerdictError(v Verdict) error {
	switch v {
	case VerdictValid:
		return nil
	case VerdictRevoked:
		return ErrRevoked
	case VerdictExpired:
		return ErrExpired
	case VerdictTrialExceeded:
		return ErrTrialExceeded
	case VerdictHardwareMismatch:
		return ErrHardwareMismatch
	case VerdictTamperDetected:
		return ErrTamperDetected
	default:
		return fmt.Errorf("license invalid (verdict %q)", v)
	}
}

// ServerError represents a transport-level error response from the license
// server, in the format {"error": {"code": "...", "message": "..."}}.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// mapServerError converts a ServerError to a well-known sentinel error where
// possible. The returned error wraps both the sentinel error and the original
// ServerError so callers can use errors.Is() for sentinel checks and
// errors.As() for details.
func mapServerError(se *ServerError) error {
	var sentinel error
	switch se.Code {
	case "REVOKED":
		sentinel = ErrRevoked
	case "EXPIRED":
		sentinel = ErrExpired
	case "TRIAL_EXCEEDED":
		sentinel = ErrTrialExceeded
	case "SIGNATURE_INVALID":
		sentinel = ErrSignatureInvalid
	default:
		return se
	}
	return &mappedError{sentinel: sentinel, server: se}
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	return e.sentinel.Error()
}

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) As(target interface{}) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}
