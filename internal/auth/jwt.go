// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// JWTResolver verifies access tokens issued by the hosted identity provider.
// Tokens are HS256-signed with the provider's shared secret and carry the
// user id in the "sub" claim.
type JWTResolver struct {
	secret   []byte
	audience string
}

func NewJWTResolver(secret, audience string) *JWTResolver {
	return &JWTResolver{
		secret:   []byte(secret),
		audience: strings.TrimSpace(audience),
	}
}

// ResolveIdentity returns found=false for any token that does not verify.
// A non-nil error is only returned for resolver misconfiguration.
func (r *JWTResolver) ResolveIdentity(ctx context.Context, bearerToken string) (Identity, bool, error) {
	if len(r.secret) == 0 {
		return Identity{}, false, errors.New("jwt secret not configured")
	}
	if bearerToken == "" {
		return Identity{}, false, nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(bearerToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, false, nil
	}

	if r.audience != "" && !claims.VerifyAudience(r.audience, true) {
		return Identity{}, false, nil
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, false, nil
	}

	return Identity{
		UserID:      sub,
		AccessToken: bearerToken,
	}, true, nil
}
