package claims

import (
	"fmt"
	"strings"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoV4PublicPrefix = "v4.public."

// PasetoDecoder verifies v4.public tokens against the server's published key.
//
// Expiry is deliberately not enforced here so an expired token still yields its
// subject; the caller decides what an expired session means.
type PasetoDecoder struct {
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoDecoder builds a decoder from the hex-encoded Ed25519 public key.
func NewPasetoDecoder(publicKeyHex string) (*PasetoDecoder, error) {
	pk, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("paseto public key: %w", err)
	}
	return &PasetoDecoder{public: pk}, nil
}

func (d *PasetoDecoder) Decode(token string) (Claims, error) {
	// Fresh parser per call so rules never accumulate.
	p := paseto.NewParserWithoutExpiryCheck()

	parsed, err := p.ParseV4Public(d.public, strings.TrimSpace(token), nil)
	if err != nil {
		return Claims{}, malformed("paseto", "verify", err)
	}

	sub := pasetoString(parsed, "uid", "sub")
	if sub == "" {
		return Claims{}, malformed("paseto", "missing subject", nil)
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return Claims{}, malformed("paseto", "missing exp", err)
	}

	return Claims{
		SubjectID:      sub,
		OrganizationID: pasetoString(parsed, "org"),
		AccountType:    pasetoString(parsed, "acct"),
		ExpiresAt:      exp.UTC(),
	}, nil
}

func pasetoString(tok *paseto.Token, keys ...string) string {
	for _, k := range keys {
		if v, err := tok.GetString(k); err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
