package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("s3cret")

	tests := []struct {
		name    string
		headers map[string]string
		want    error
	}{
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, nil},
		{"bearer lowercase scheme", map[string]string{"Authorization": "bearer s3cret"}, nil},
		{"api key header", map[string]string{"X-API-Key": "s3cret"}, nil},
		{"missing", nil, ErrMissingToken},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, ErrInvalidToken},
		{"prefix of token", map[string]string{"X-API-Key": "s3c"}, ErrInvalidToken},
		{"basic scheme", map[string]string{"Authorization": "Basic czNjcmV0"}, ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/rules", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if err := a.Authenticate(r); err != tt.want {
				t.Errorf("Authenticate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewAuthenticator_EmptyTokenDisables(t *testing.T) {
	if NewAuthenticator("") != nil {
		t.Error("expected nil authenticator for empty token")
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("s3cret")
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
