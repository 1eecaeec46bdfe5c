package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure classes a ceremony can surface.
// Every failure crossing the ceremony boundary is re-thrown as one of
// these; callers never see raw transport or platform-API errors and never
// classify by matching message text.
type ErrorKind string

const (
	// ErrUnauthenticated means an operation required an active session
	// and none was present.
	ErrUnauthenticated ErrorKind = "unauthenticated"
	// ErrChallengeExpired means the challenge was consumed or timed out;
	// retrying immediately with a fresh challenge is the expected recovery.
	ErrChallengeExpired ErrorKind = "challenge_expired"
	// ErrUserCancelled means the user dismissed the authenticator prompt.
	// Not a security event and never counted toward lockout.
	ErrUserCancelled ErrorKind = "user_cancelled"
	// ErrAuthenticatorUnavailable means this device cannot run a ceremony
	// at all. Terminal for the process; biometric UI is not offered again.
	ErrAuthenticatorUnavailable ErrorKind = "authenticator_unavailable"
	// ErrVerificationRejected means the server rejected the proof.
	// Counts toward attempt-governor lockout.
	ErrVerificationRejected ErrorKind = "verification_rejected"
	// ErrNetwork covers transport failures and timeouts. Retriable and
	// not counted toward lockout by itself.
	ErrNetwork ErrorKind = "network_error"
	// ErrLocked means the attempt governor refused the ceremony before
	// any network call was made.
	ErrLocked ErrorKind = "locked"
	// ErrPersistence means the session could not be written durably.
	ErrPersistence ErrorKind = "persistence_error"
)

// CeremonyError is the tagged error type produced at the ceremony boundary.
type CeremonyError struct {
	Kind ErrorKind
	// RetryAfter carries the remaining cooldown for ErrLocked.
	RetryAfter time.Duration
	cause      error
}

func (e *CeremonyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *CeremonyError) Unwrap() error { return e.cause }

// NewCeremonyError wraps cause under the given kind. A nil cause is fine.
func NewCeremonyError(kind ErrorKind, cause error) *CeremonyError {
	return &CeremonyError{Kind: kind, cause: cause}
}

// NewLockedError reports a governor refusal with the remaining cooldown.
func NewLockedError(retryAfter time.Duration) *CeremonyError {
	return &CeremonyError{Kind: ErrLocked, RetryAfter: retryAfter}
}

// KindOf extracts the error kind, or "" if err is not a ceremony error.
func KindOf(err error) ErrorKind {
	var ce *CeremonyError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
