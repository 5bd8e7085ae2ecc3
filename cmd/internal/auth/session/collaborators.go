package session

import (
	"context"

	"tether/cmd/internal/auth/tokenstore"
)

// ProfileFetcher loads a subject's profile.
//
// Implementations return ErrProfileNotFound for a missing profile, a
// *FetchAuthorizationError when the token is rejected and a *NetworkError otherwise.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, subjectID, accessToken string) (Profile, error)
}

// MembershipFetcher lists a subject's group memberships.
type MembershipFetcher interface {
	FetchMemberships(ctx context.Context, subjectID, accessToken string) ([]Membership, error)
}

// ValidationResult is the server verdict on a token pair.
type ValidationResult struct {
	Valid bool
	// Rotated is set when the server issued a new pair.
	Rotated *tokenstore.Session
}

// TokenValidator asks the server whether a token pair is still valid.
type TokenValidator interface {
	ValidateToken(ctx context.Context, sess tokenstore.Session) (ValidationResult, error)
}

// Coordinator keeps the realtime connection in step with the authenticated identity.
// Both calls are idempotent.
type Coordinator interface {
	Sync(ctx context.Context, subjectID, accessToken string) error
	Disconnect(ctx context.Context) error
}

type noopCoordinator struct{}

func (noopCoordinator) Sync(context.Context, string, string) error { return nil }
func (noopCoordinator) Disconnect(context.Context) error           { return nil }
