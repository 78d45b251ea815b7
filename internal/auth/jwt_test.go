package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func protected(cfg JWTCfg) (http.Handler, *string) {
	var seen string
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func TestMiddleware_ValidToken(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "test-secret"}
	h, seen := protected(cfg)

	tok := signToken(t, cfg.HS256Secret, jwt.MapClaims{
		"sub": "node-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "node-a", *seen)
}

func TestMiddleware_WrongSecret(t *testing.T) {
	h, _ := protected(JWTCfg{HS256Secret: "right"})

	tok := signToken(t, "wrong", jwt.MapClaims{
		"sub": "node-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "test-secret"}
	h, _ := protected(cfg)

	tok := signToken(t, cfg.HS256Secret, jwt.MapClaims{
		"sub": "node-a",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_MissingToken(t *testing.T) {
	h, _ := protected(JWTCfg{HS256Secret: "test-secret"})

	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_DevModeDebugHeader(t *testing.T) {
	h, seen := protected(JWTCfg{HS256Secret: "test-secret", DevMode: true})

	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	req.Header.Set("X-Debug-Sub", "dev-node")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "dev-node", *seen)
}

func TestMiddleware_DebugHeaderIgnoredInProduction(t *testing.T) {
	h, _ := protected(JWTCfg{HS256Secret: "test-secret"})

	req := httptest.NewRequest(http.MethodPost, "/sync/change-set", nil)
	req.Header.Set("X-Debug-Sub", "dev-node")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
