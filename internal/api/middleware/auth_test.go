package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsentry/prsentry-backend/internal/auth"
)

func authedHandler(t *testing.T, sawClaims **auth.Claims) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sawClaims = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	var claims *auth.Claims
	h := Auth("s3cret")(authedHandler(t, &claims))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/prs", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, claims)
}

func TestAuth_AcceptsValidBearer(t *testing.T) {
	tok, err := auth.IssueAccessToken("s3cret", "u-1", "alice", "viewer")
	require.NoError(t, err)

	var claims *auth.Claims
	h := Auth("s3cret")(authedHandler(t, &claims))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prs", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "u-1", claims.UserID)
}

func TestAuth_OpenPathsBypass(t *testing.T) {
	var claims *auth.Claims
	h := Auth("s3cret")(authedHandler(t, &claims))

	for _, path := range []string{"/health", "/metrics", "/webhooks/platform", "/api/v1/auth/login"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestAuth_RejectsGarbageToken(t *testing.T) {
	var claims *auth.Claims
	h := Auth("s3cret")(authedHandler(t, &claims))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prs", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
