package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http package defines standard HTTP status codes
	"strings"

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context

	"github.com/iliyamo/rundown-sync/internal/model"
)

// RequireRole returns a middleware that enforces that the token's "role"
// claim is one of roles.  It runs after JWTAuth.  The claim only gates the
// kind of route (viewers cannot reach mutating endpoints); access to a
// particular rundown is decided by its membership list in the service
// layer.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[strings.ToUpper(r)] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get("role").(string)
			if !ok || !allowed[strings.ToUpper(role)] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}

// RequireWriter admits owners and editors.
func RequireWriter() echo.MiddlewareFunc {
	return RequireRole(model.RoleOwner, model.RoleEditor)
}
