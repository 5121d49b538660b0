package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubValidator map[string]*jwt.Claims

func (s stubValidator) ValidateToken(_ context.Context, token string) (*jwt.Claims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, errors.New("unknown token")
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	m := NewAuthMiddleware(stubValidator{
		"admin-token":   {Role: auth.RoleAdmin, Space: auth.SpaceAdmin, RegisteredClaims: gojwt.RegisteredClaims{Subject: "a1"}},
		"citizen-token": {Role: auth.RoleUser, Space: auth.SpaceCitizen, RegisteredClaims: gojwt.RegisteredClaims{Subject: "c1"}},
	})

	r := gin.New()
	r.Use(RecoveryMiddleware(zap.NewNop()), LoggingMiddleware(zap.NewNop()), CORSMiddleware([]string{"http://app.test"}))
	r.GET("/me", m.Auth(), func(c *gin.Context) {
		c.String(http.StatusOK, MustGetClaims(c).SubjectID())
	})
	r.GET("/admin", append(m.WithRole(auth.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})...)
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Origin", "http://app.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	r := newRouter()

	w := do(r, http.MethodGet, "/me", "citizen-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "forged").Code)

	// Query token works for websocket upgrades.
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/me?token=admin-token", "").Code)
}

func TestRequireRole(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/admin", "admin-token").Code)

	w := do(r, http.MethodGet, "/admin", "citizen-token")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient permissions")
}

func TestRecoveryAndCORS(t *testing.T) {
	r := newRouter()

	w := do(r, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "http://app.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodOptions, "/me", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
