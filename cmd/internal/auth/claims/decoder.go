// Package claims turns an access token into the identity fields the session manager trusts.
//
// Decoding never judges expiry; callers compare Claims.ExpiresAt against their own clock.
package claims

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedToken is matched by every decode failure.
var ErrMalformedToken = errors.New("malformed token")

// Claims is the token-derived identity. It is recomputed on every validation.
type Claims struct {
	SubjectID      string
	OrganizationID string
	AccountType    string
	ExpiresAt      time.Time
}

// Expired reports whether the token is no longer usable at now.
// A token whose expiry equals now is expired.
func (c Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Decoder extracts Claims from a token string.
type Decoder interface {
	Decode(token string) (Claims, error)
}

// MalformedTokenError describes why a token could not be decoded.
type MalformedTokenError struct {
	Format string
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	var b strings.Builder
	b.WriteString(ErrMalformedToken.Error())
	if e.Format != "" {
		b.WriteString(" (")
		b.WriteString(e.Format)
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

func (e *MalformedTokenError) Is(target error) bool { return target == ErrMalformedToken }

func malformed(format, reason string, err error) error {
	return &MalformedTokenError{Format: format, Reason: reason, Err: err}
}

// Multi dispatches on the token shape: "v4.public." tokens go to Paseto, three-segment
// compact tokens go to JWT.
type Multi struct {
	JWT    Decoder
	Paseto Decoder
}

func (m Multi) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, malformed("", "empty token", nil)
	}

	switch {
	case strings.HasPrefix(token, pasetoV4PublicPrefix):
		if m.Paseto == nil {
			return Claims{}, malformed("paseto", "no public key configured", nil)
		}
		return m.Paseto.Decode(token)
	case strings.Count(token, ".") == 2:
		if m.JWT == nil {
			return Claims{}, malformed("jwt", "decoder disabled", nil)
		}
		return m.JWT.Decode(token)
	default:
		return Claims{}, malformed("", fmt.Sprintf("unrecognized token shape (%d segments)", strings.Count(token, ".")+1), nil)
	}
}
