package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"fmt"                   // formatting numeric subjects
	"net/http"              // HTTP status codes for responses
	"strings"               // string utilities for prefix checking and trimming

	"github.com/golang-jwt/jwt/v5" // JWT library for parsing and validating tokens
	"github.com/labstack/echo/v4"  // Echo framework used for defining middleware and handlers
)

// JWTAuth returns an Echo middleware that validates an HS256 access token
// and injects the token's subject and role claims into the request context.
// Tokens are issued by the identity service; this service only verifies
// them.  The token is read from the Authorization header or, for websocket
// upgrades where browsers cannot set headers, from the access_token query
// parameter.  Handlers read the caller through `c.Get("user_id")` (always a
// non-empty string) and `c.Get("role")`.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}

			// Only HMAC tokens are accepted; anything else is rejected before
			// the signature is checked.
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			sub := subject(claims["sub"])
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token has no subject"})
			}

			// Subject and role are stored for handlers and downstream
			// middleware (rate limiting keys on the user).
			c.Set("user_id", sub)
			c.Set("role", claims["role"])
			return next(c)
		}
	}
}

// bearerToken returns the raw token from the Authorization header, falling
// back to the access_token query parameter.
func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return c.QueryParam("access_token")
}

// subject normalizes the "sub" claim.  User ids are strings, but tokens
// minted by older tooling carry numeric ids which decode as float64.
func subject(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return fmt.Sprintf("%.0f", s)
	}
	return ""
}
