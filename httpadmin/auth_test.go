package httpadmin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenServiceIssueAndValidate(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), time.Minute)

	token, err := svc.Issue("alice", []string{"admin"})
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, "alice", claims.Subject)
}

func TestTokenServiceRejectsWrongKey(t *testing.T) {
	token, err := NewTokenService([]byte("key-a"), time.Minute).Issue("alice", nil)
	require.NoError(t, err)

	_, err = NewTokenService([]byte("key-b"), time.Minute).Validate(token)
	assert.Error(t, err)
}

func TestTokenHandlerExchangesSecret(t *testing.T) {
	svc := NewTokenService([]byte("signing"), time.Minute)
	e := echo.New()
	e.POST("/auth/token", svc.TokenHandler("bootstrap"))

	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"operator":"ops","secret":"bootstrap"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "token")
}

func TestTokenHandlerRejectsBadSecret(t *testing.T) {
	svc := NewTokenService([]byte("signing"), time.Minute)
	e := echo.New()
	e.POST("/auth/token", svc.TokenHandler("bootstrap"))

	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"operator":"ops","secret":"wrong"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireJWTBlocksMissingToken(t *testing.T) {
	e := echo.New()
	g := e.Group("/admin")
	g.Use(RequireJWT([]byte("signing")))
	g.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireJWTAcceptsIssuedToken(t *testing.T) {
	svc := NewTokenService([]byte("signing"), time.Minute)
	token, err := svc.Issue("ops", []string{"admin"})
	require.NoError(t, err)

	e := echo.New()
	g := e.Group("/admin")
	g.Use(RequireJWT([]byte("signing")))
	g.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
