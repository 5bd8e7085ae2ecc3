package session

import "time"

// State is the externally observed session state.
type State string

const (
	// StateValidating is the initial state and the transient state of an identity change.
	StateValidating State = "validating"
	// StateAuthenticated means a decoded, unexpired token backs the current user.
	StateAuthenticated State = "authenticated"
	// StateUnauthenticated means there is no usable token.
	StateUnauthenticated State = "unauthenticated"
)

// Profile is the server-side profile of a subject.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// Membership is one group membership of a subject.
type Membership struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// AuthenticatedUser is the only identity value exposed to the rest of the application.
type AuthenticatedUser struct {
	SubjectID      string    `json:"subject_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	AccountType    string    `json:"account_type,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`

	Profile       Profile `json:"profile"`
	ProfileLoaded bool    `json:"profile_loaded"`

	// AccessToken is the current bearer token. Never serialized.
	AccessToken string `json:"-"`
}

// Snapshot is an immutable view of the manager state.
type Snapshot struct {
	State State              `json:"state"`
	User  *AuthenticatedUser `json:"user,omitempty"`
}

// Loading reports whether no decision has been made yet.
func (s Snapshot) Loading() bool { return s.State == StateValidating }

// Authenticated reports whether a user is signed in.
func (s Snapshot) Authenticated() bool { return s.State == StateAuthenticated && s.User != nil }

// SubjectID returns the current subject, or "".
func (s Snapshot) SubjectID() string {
	if s.User == nil {
		return ""
	}
	return s.User.SubjectID
}
