package httpadmin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// Claims carries the operator identity inside an admin token.
type Claims struct {
	Operator string   `json:"operator"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 admin tokens. The admin surface
// has no user-facing session model of its own (a thin operator
// surface), so a single shared signing key is the whole auth model.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService returns a TokenService signing with secret. expiration
// defaults to one hour when zero.
func NewTokenService(secret []byte, expiration time.Duration) *TokenService {
	if expiration <= 0 {
		expiration = time.Hour
	}
	return &TokenService{
		secret:     secret,
		expiration: expiration,
		issuer:     "s3db.evalgo.org/httpadmin",
	}
}

// Issue generates a signed token for operator with the given roles.
func (s *TokenService) Issue(operator string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   operator,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token string, returning its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TokenHandler exchanges the bootstrap operator secret for a signed admin
// token. It is mounted outside the JWT-protected group.
func (s *TokenService) TokenHandler(bootstrapSecret string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Operator string `json:"operator"`
			Secret   string `json:"secret"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request"})
		}
		if req.Secret == "" || req.Secret != bootstrapSecret {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid operator secret"})
		}
		token, err := s.Issue(req.Operator, []string{"admin"})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
		}
		return c.JSON(http.StatusOK, map[string]string{"token": token})
	}
}

// RequireJWT returns middleware that rejects any admin request without a
// valid HS256 token signed with signingKey, via echo-jwt.
func RequireJWT(signingKey []byte) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: signingKey,
	})
}
