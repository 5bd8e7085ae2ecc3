package session

import (
	"errors"
	"fmt"

	"tether/cmd/internal/auth/claims"
)

var (
	// ErrMalformedToken is returned when the stored access token cannot be decoded.
	ErrMalformedToken = claims.ErrMalformedToken

	// ErrExpiredToken is returned when the stored access token is past its expiry.
	ErrExpiredToken = errors.New("token expired")

	// ErrUnauthorized is matched by FetchAuthorizationError: the server rejected the token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetwork is matched by NetworkError: a collaborator could not be reached.
	ErrNetwork = errors.New("network error")

	// ErrProfileNotFound is returned by a ProfileFetcher when the subject has no profile.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSuperseded is returned when a sign-out, teardown or newer sign-in happened
	// while the validation was in flight. Its result was discarded.
	ErrSuperseded = errors.New("validation superseded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// FetchAuthorizationError is returned when the server rejects the access token
// (401/403, or an explicit "invalid" verdict).
type FetchAuthorizationError struct {
	Op     string
	Status int
}

func (e *FetchAuthorizationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, ErrUnauthorized.Error())
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, ErrUnauthorized.Error(), e.Status)
}

func (e *FetchAuthorizationError) Unwrap() error { return ErrUnauthorized }

// NetworkError wraps a transport failure or an unexpected server status.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	msg := e.Op + ": " + ErrNetwork.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }
