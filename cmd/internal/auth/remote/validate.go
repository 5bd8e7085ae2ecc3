package remote

import (
	"context"
	"net/http"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/auth/tokenstore"
)

type validateRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type validateResponse struct {
	Valid        bool   `json:"valid"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ValidateToken posts the pair to /auth/validate. A response carrying a new access
// token is reported as a rotation. Any 4xx other than 408 and 429 is the server's verdict
// that the pair is invalid.
func (c *Client) ValidateToken(ctx context.Context, sess tokenstore.Session) (session.ValidationResult, error) {
	const op = "validate"

	status, data, err := c.do(ctx, op, http.MethodPost, c.endpoint("auth", "validate"), "", validateRequest{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	})
	if err != nil {
		return session.ValidationResult{}, err
	}
	if status != http.StatusOK {
		return session.ValidationResult{}, verdictError(op, status)
	}

	var out validateResponse
	if err := decode(op, status, data, &out); err != nil {
		return session.ValidationResult{}, err
	}

	res := session.ValidationResult{Valid: out.Valid}
	if out.Valid && out.AccessToken != "" && out.AccessToken != sess.AccessToken {
		res.Rotated = &tokenstore.Session{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	}
	return res, nil
}

// verdictError maps a non-200 validation response. Only transient statuses stay network errors.
func verdictError(op string, status int) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return &session.NetworkError{Op: op, Status: status}
	case status >= 400 && status < 500:
		return &session.FetchAuthorizationError{Op: op, Status: status}
	default:
		return &session.NetworkError{Op: op, Status: status}
	}
}
