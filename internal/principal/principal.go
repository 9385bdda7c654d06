// Package principal carries the authenticated caller identity through a
// request. The identity is issued by the external auth service and is never
// persisted here.
package principal

import (
	"context"
	"strings"
)

type contextKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Valid reports whether both the user id and a plausible email are present.
func (p Principal) Valid() bool {
	if strings.TrimSpace(p.UserID) == "" {
		return false
	}
	email := strings.TrimSpace(p.Email)
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// UserID returns the caller's user id, or "" when the context is anonymous.
func UserID(ctx context.Context) string {
	p, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return p.UserID
}
