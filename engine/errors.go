package engine

import (
	"context"
	"errors"
	"fmt"
)

// Security failure sentinels. Subtypes are kept apart internally for audit
// logging; at the caller boundary they all collapse into one generic message
// so responses cannot be used as an oracle to distinguish "wrong secret"
// from "right secret, wrong state".
var (
	ErrTokenNotFound          = errors.New("token not found")
	ErrTokenInactive          = errors.New("token not active")
	ErrTokenExpired           = errors.New("token expired")
	ErrMaxUsesExceeded        = errors.New("token uses exhausted")
	ErrMaxGenerationsExceeded = errors.New("token family generation ceiling reached")
	ErrDeviceMismatch         = errors.New("device fingerprint mismatch")
	ErrConcurrentReuse        = errors.New("concurrent reuse detected")
	ErrCreationConflict       = errors.New("token hash collision")
)

// Infrastructure failure sentinels. Callers may retry these; none of them
// ever stands in for a passed check.
var (
	ErrStoreUnavailable    = errors.New("token store unavailable")
	ErrHashProviderTimeout = errors.New("hash provider timed out")
)

const (
	genericSecurityMessage = "invalid or expired session"
	genericRetryMessage    = "service temporarily unavailable, try again"
)

// UserMessage maps err to the caller-facing message: one fixed string for
// every security failure, another for retryable infrastructure failures.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsRetryable(err) {
		return genericRetryMessage
	}
	return genericSecurityMessage
}

// IsRetryable reports whether err is an infrastructure failure worth
// retrying, as opposed to an access denial.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrHashProviderTimeout)
}

// IsValidationFailure reports whether err belongs to the validation failure
// class.
func IsValidationFailure(err error) bool {
	for _, target := range []error{ErrTokenNotFound, ErrTokenInactive, ErrTokenExpired, ErrMaxUsesExceeded, ErrMaxGenerationsExceeded} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FailureKind returns the audit label for err, or "internal" for anything
// outside the taxonomy.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, ErrTokenInactive):
		return "token_inactive"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrMaxUsesExceeded):
		return "max_uses_exceeded"
	case errors.Is(err, ErrMaxGenerationsExceeded):
		return "max_generations_exceeded"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrConcurrentReuse):
		return "concurrent_reuse_detected"
	case errors.Is(err, ErrCreationConflict):
		return "creation_conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrHashProviderTimeout):
		return "hash_provider_timeout"
	}
	return "internal"
}

// storeFailure wraps an unexpected store error as a retryable
// infrastructure failure.
func storeFailure(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// hashFailure classifies a hashing provider error. A deadline or
// cancellation becomes the retryable timeout kind; anything else (such as a
// malformed stored credential) surfaces as-is and fails closed.
func hashFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrHashProviderTimeout, err)
	}
	return err
}
