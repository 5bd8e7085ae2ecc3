package remote

import (
	"context"
	"net/http"

	"tether/cmd/internal/auth/session"
)

// FetchProfile loads GET /users/{id}/profile.
func (c *Client) FetchProfile(ctx context.Context, subjectID, accessToken string) (session.Profile, error) {
	const op = "profile"

	status, data, err := c.do(ctx, op, http.MethodGet, c.endpoint("users", subjectID, "profile"), accessToken, nil)
	if err != nil {
		return session.Profile{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return session.Profile{}, session.ErrProfileNotFound
	default:
		return session.Profile{}, statusError(op, status)
	}

	var p session.Profile
	if err := decode(op, status, data, &p); err != nil {
		return session.Profile{}, err
	}
	if p.ID == "" {
		p.ID = subjectID
	}
	return p, nil
}

// FetchMemberships loads GET /users/{id}/groups.
func (c *Client) FetchMemberships(ctx context.Context, subjectID, accessToken string) ([]session.Membership, error) {
	const op = "groups"

	status, data, err := c.do(ctx, op, http.MethodGet, c.endpoint("users", subjectID, "groups"), accessToken, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(op, status)
	}

	var ms []session.Membership
	if err := decode(op, status, data, &ms); err != nil {
		return nil, err
	}
	return ms, nil
}
