// Package faults defines the error kinds surfaced at component boundaries.
// Only RateLimited and Temporary are retryable; everything else either fails
// immediately or requires user action.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies an error category for classification and command results.
type Kind string

const (
	KindAuthRequired     Kind = "auth_required"
	KindInvalid2FA       Kind = "invalid_2fa"
	KindSessionBanned    Kind = "session_banned"
	KindRateLimited      Kind = "rate_limited"
	KindTemporary        Kind = "temporary"
	KindPermanent        Kind = "permanent"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindValidationFailed Kind = "validation_failed"
	KindPersistence      Kind = "persistence"
)

// AuthRequiredError indicates the session needs a login code.
type AuthRequiredError struct {
	Phone string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication code required for %s", e.Phone)
}

// Invalid2FAError indicates a wrong or missing two-factor password.
type Invalid2FAError struct{}

func (e *Invalid2FAError) Error() string { return "invalid two-factor password" }

// SessionBannedError is terminal for the session until user action.
type SessionBannedError struct {
	Cause string
}

func (e *SessionBannedError) Error() string {
	return fmt.Sprintf("session banned: %s", e.Cause)
}

// RateLimitedError carries the server-advised wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TemporaryError wraps a transient failure (network, timeout, 5xx-equivalent).
type TemporaryError struct {
	Cause error
}

func (e *TemporaryError) Error() string { return fmt.Sprintf("temporary: %v", e.Cause) }
func (e *TemporaryError) Unwrap() error { return e.Cause }

// PermanentError wraps a failure that must not be retried.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Cause) }
func (e *PermanentError) Unwrap() error { return e.Cause }

// ValidationFailedError reports what failed validation (e.g. a media file).
type ValidationFailedError struct {
	What string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.What)
}

// PersistenceError wraps a database failure that survived internal retries.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when the upstream refuses access.
	ErrPermissionDenied = errors.New("permission denied")
)

// KindOf maps an error to its kind for command results and logging.
func KindOf(err error) Kind {
	var (
		authRequired  *AuthRequiredError
		invalid2FA    *Invalid2FAError
		banned        *SessionBannedError
		rateLimited   *RateLimitedError
		temporary     *TemporaryError
		validation    *ValidationFailedError
		persistence   *PersistenceError
		permanentErr  *PermanentError
	)
	switch {
	case errors.As(err, &authRequired):
		return KindAuthRequired
	case errors.As(err, &invalid2FA):
		return KindInvalid2FA
	case errors.As(err, &banned):
		return KindSessionBanned
	case errors.As(err, &rateLimited):
		return KindRateLimited
	case errors.As(err, &temporary):
		return KindTemporary
	case errors.As(err, &validation):
		return KindValidationFailed
	case errors.As(err, &persistence):
		return KindPersistence
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.As(err, &permanentErr):
		return KindPermanent
	default:
		return KindPermanent
	}
}

// IsRetryable reports whether the retry wrapper should attempt the operation again.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTemporary || k == KindRateLimited
}

// RetryAfter extracts the server-advised wait from a rate-limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
