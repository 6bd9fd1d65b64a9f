package middleware

// identity.go exposes the authenticated caller to handlers and to the rate
// limiter.  JWTAuth stores the subject under "user_id".

import (
	"github.com/labstack/echo/v4"
)

// UserID returns the authenticated user id, or "" when the request did
// not pass JWTAuth.
func UserID(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok {
		return s
	}
	return ""
}

// Role returns the role claim of the caller.
func Role(c echo.Context) string {
	if s, ok := c.Get("role").(string); ok {
		return s
	}
	return ""
}
