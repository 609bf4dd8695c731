// Package auth guards the rule management API with a shared admin token.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strings"
)

// Header names accepted for the admin token.
const (
	AuthorizationHeader = "Authorization"
	APIKeyHeader        = "X-API-Key"
)

// Authenticator compares presented tokens with the configured one.
// Both sides are hashed with a per-process key before the constant-time
// comparison, so neither length nor content leaks through timing.
type Authenticator struct {
	key    []byte
	digest []byte
}

// NewAuthenticator creates an authenticator for token. An empty token
// returns nil, which callers treat as "authentication disabled".
func NewAuthenticator(token string) *Authenticator {
	if token == "" {
		return nil
	}
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &Authenticator{key: key, digest: computeHMAC(key, token)}
}

// Authenticate checks the token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) error {
	token := TokenFromRequest(r)
	if token == "" {
		return ErrMissingToken
	}
	if !hmac.Equal(a.digest, computeHMAC(a.key, token)) {
		return ErrInvalidToken
	}
	return nil
}

// TokenFromRequest extracts a bearer token or X-API-Key value.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(AuthorizationHeader); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="redirector"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func computeHMAC(key []byte, token string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(token))
	return h.Sum(nil)
}
