// Package tokenstore persists the bearer token pair between process restarts.
//
// A Store never validates what it holds. A missing token is reported with ok=false;
// errors are reserved for backend failures.
package tokenstore

import (
	"context"
	"errors"
	"strings"
)

// Well-known slot keys. Every backend stores the pair under these names.
const (
	SlotAccessToken  = "access_token"
	SlotRefreshToken = "refresh_token"
)

// ErrConfig is returned for invalid backend configuration.
var ErrConfig = errors.New("invalid token store config")

// Session is the persisted token pair. An empty RefreshToken means none was issued.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Empty reports whether there is no access token.
func (s Session) Empty() bool { return strings.TrimSpace(s.AccessToken) == "" }

// Store reads and writes the token pair. Write and Clear touch both slots atomically.
type Store interface {
	Read(ctx context.Context) (Session, bool, error)
	Write(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context) error
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}

// Pinger is implemented by networked backends for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpError wraps a backend failure with the operation and backend name.
type OpError struct {
	Backend string
	Op      string
	Err     error
}

func (e *OpError) Error() string {
	return "tokenstore " + e.Backend + " " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Backend: backend, Op: op, Err: err}
}
