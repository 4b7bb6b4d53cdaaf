// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"
)

type identityContextKey struct{}

var ctxIdentityKey identityContextKey

// Identity is the authenticated caller as asserted by the identity provider.
// It is the only source of user identity the service trusts.
type Identity struct {
	UserID            string
	AccessToken       string
	MaxRequestsPerMin int
}

// WithIdentity stores the authenticated identity on the request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// IdentityFromContext reads the authenticated identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(ctxIdentityKey)
	id, ok := v.(Identity)
	if !ok || strings.TrimSpace(id.UserID) == "" {
		return Identity{}, false
	}
	return id, true
}

// UserIDFromContext is a shorthand used by logging middleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	return id.UserID, true
}

type idempotencyKeyContextKey struct{}

var ctxIdempotencyKey idempotencyKeyContextKey

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxIdempotencyKey, key)
}

func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxIdempotencyKey)
	key, ok := v.(string)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
