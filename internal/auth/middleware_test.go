package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareInjectsClaims(t *testing.T) {
	cfg := Config{Secret: "test-secret", Issuer: "riseforgood.identity"}
	signed := signToken(t, cfg.Secret, jwt.MapClaims{
		"sub":    "u1",
		"iss":    cfg.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": "enrollments:write",
	})

	var got *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	middleware := NewMiddleware(cfg, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/users/me/stats", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	recorder := httptest.NewRecorder()

	middleware.Wrap(next).ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.NotNil(t, got)
	require.Equal(t, "u1", got.Subject)
	require.True(t, got.HasScope(ScopeEnrollmentsWrite))
}

func TestMiddlewareRejectsMissingOrMalformedHeader(t *testing.T) {
	cfg := Config{Secret: "test-secret", Issuer: "riseforgood.identity"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})
	middleware := NewMiddleware(cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/me/stats", nil)
	recorder := httptest.NewRecorder()
	middleware.Wrap(next).ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/users/me/stats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	recorder = httptest.NewRecorder()
	middleware.Wrap(next).ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMiddlewareSkipper(t *testing.T) {
	cfg := Config{Secret: "test-secret", Issuer: "riseforgood.identity"}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	skipper := func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, "/healthz")
	}
	middleware := NewMiddleware(cfg, skipper)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	middleware.Wrap(next).ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
}
