// Package authn verifies the bearer token an approver presents on
// approve/reject calls and extracts their identity, so the
// approval gate's authorization check operates on a verified approver
// name rather than a caller-supplied one.
package authn

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/taskforge/internal/errs"
)

// Claims is the token payload this system expects: the standard
// registered claims plus the approver's identity (sub) and role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against one HMAC secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier returns a Verifier. secret must be at least 32 bytes;
// shorter secrets make HS256 brute-forceable and are rejected.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, errs.Invariant("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Verifier{secret: secret, issuer: issuer, audience: audience}, nil
}

// Verify parses and validates tokenString, returning the approver's
// identity (the "sub" claim) on success.
func (v *Verifier) Verify(tokenString string) (approver string, role string, err error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", errs.Validation("invalid token: %v", err)
	}
	if !token.Valid {
		return "", "", errs.Validation("invalid token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", errs.Validation("token missing subject claim")
	}
	return sub, claims.Role, nil
}

// Issue mints a signed token for approver with the given role, valid for
// ttl. Used by tests and by any internal tooling that issues tokens
// directly instead of delegating to an external identity provider.
func (v *Verifier) Issue(approver, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approver,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
