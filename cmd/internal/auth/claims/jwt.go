package claims

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTDecoder reads claims from a compact JWT without verifying its signature.
// The server is the authority; the client only needs the identity fields.
type JWTDecoder struct {
	parser *jwt.Parser
}

func NewJWTDecoder() *JWTDecoder {
	return &JWTDecoder{parser: jwt.NewParser()}
}

func (d *JWTDecoder) Decode(token string) (Claims, error) {
	p := d.parser
	if p == nil {
		p = jwt.NewParser()
	}

	parsed, _, err := p.ParseUnverified(strings.TrimSpace(token), jwt.MapClaims{})
	if err != nil {
		return Claims{}, malformed("jwt", "parse", err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, malformed("jwt", "unexpected claims type", nil)
	}

	sub := firstString(mc, "sub", "user_id", "id")
	if sub == "" {
		return Claims{}, malformed("jwt", "missing subject", nil)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, malformed("jwt", "invalid exp", err)
	}
	if exp == nil {
		return Claims{}, malformed("jwt", "missing exp", nil)
	}

	return Claims{
		SubjectID:      sub,
		OrganizationID: firstString(mc, "org_id", "organization_id"),
		AccountType:    firstString(mc, "account_type", "role"),
		ExpiresAt:      exp.Time.UTC(),
	}, nil
}

// firstString returns the first non-empty claim among keys. Numeric ids are
// rendered without a fractional part.
func firstString(mc jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := mc[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
