package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fallbackValidity is the conservative lifetime assumed for a token whose
// claims cannot be decoded. A usable-but-short-lived token beats none.
const fallbackValidity = time.Hour

type identityClaims struct {
	ExpiresAt time.Time
	Subject   string
	Account   string
}

// decodeIdentityClaims reads the payload segment of a JWT without verifying
// its signature. The agent is the token's consumer-side cache, not its
// validator; only expiry and identity hints are needed.
func decodeIdentityClaims(raw string) (identityClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return identityClaims{}, err
	}

	out := identityClaims{}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return identityClaims{}, err
	}
	if exp == nil {
		return identityClaims{}, errors.New("token has no expiry claim")
	}
	out.ExpiresAt = exp.Time

	if sub, subErr := claims.GetSubject(); subErr == nil {
		out.Subject = sub
	}
	for _, key := range []string{"preferred_username", "upn", "email"} {
		if value, ok := claims[key].(string); ok && value != "" {
			out.Account = value
			break
		}
	}
	return out, nil
}
