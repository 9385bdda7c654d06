package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dukerupert/clipforge/internal/principal"
)

// SessionCookieName carries the session token for browser clients.
const SessionCookieName = "clipforge_session"

var errNoToken = errors.New("no session token")

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type slotKey struct{}

func withPrincipalSlot(ctx context.Context, s *principalSlot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

// IssueToken signs an HS256 session token for p valid for ttl.
func IssueToken(secret []byte, p principal.Principal, ttl time.Duration) (string, error) {
	if !p.Valid() {
		return "", errors.New("issue token: invalid principal")
	}
	now := time.Now()
	claims := sessionClaims{
		Email: p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies token and returns the principal it names.
func ParseToken(secret []byte, token string) (principal.Principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return principal.Principal{}, fmt.Errorf("parse session token: %w", err)
	}
	p := principal.Principal{UserID: claims.Subject, Email: claims.Email}
	if !p.Valid() {
		return principal.Principal{}, errors.New("session token names no valid principal")
	}
	return p, nil
}

func tokenFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", errNoToken
		}
		return strings.TrimSpace(tok), nil
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errNoToken
}

// RequirePrincipal validates the session token from the Authorization header
// or session cookie and stores the caller's principal in the request context.
func RequirePrincipal(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := tokenFrom(r)
			if err != nil {
				unauthorized(w, "authentication required")
				return
			}
			p, err := ParseToken(secret, tok)
			if err != nil {
				unauthorized(w, "invalid or expired session")
				return
			}

			if slot, ok := r.Context().Value(slotKey{}).(*principalSlot); ok {
				slot.p = p
			}
			next.ServeHTTP(w, r.WithContext(principal.WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="clipforge"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
