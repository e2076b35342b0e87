// Package auth supplies an optional, context-carried identity used only for
// audit actor attribution (GrantedBy is the caller-supplied string and is
// not taken from the Principal). It is never consulted by the
// gating decision itself — scope matching and expiration are the only
// authorization inputs (spec.md Non-goals explicitly exclude principal
// hierarchies and role inheritance).
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies the human or service that issued a call, for audit
// attribution only.
type Principal struct {
	ID    string
	Email string
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// ExtractPrincipal retrieves the Principal attached to ctx, if any.
func ExtractPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ErrNoBearerToken is returned by ParseBearer when the header is absent or malformed.
var ErrNoBearerToken = errors.New("no bearer token present")

// ParseBearer extracts a Principal from a JWT bearer token, for callers that
// want to populate ctx from an incoming Authorization header. The token is
// parsed only for its claims (sub, email) — signature verification uses
// keyFunc, the caller's key material; this package has no opinion on key
// management. This identity is decorative: it never gates an action.
func ParseBearer(tokenString string, keyFunc jwt.Keyfunc) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrNoBearerToken
	}

	token, err := jwt.Parse(tokenString, keyFunc)
	if err != nil {
		return Principal{}, fmt.Errorf("parse bearer token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("parse bearer token: unexpected claims type")
	}

	p := Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		p.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	return p, nil
}

// ActorID returns a stable identifier for audit attribution, falling back
// to "system" when ctx carries no Principal.
func ActorID(ctx context.Context) string {
	if p, ok := ExtractPrincipal(ctx); ok && p.ID != "" {
		return p.ID
	}
	return "system"
}
