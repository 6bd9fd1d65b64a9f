package router // package router defines how HTTP routes are registered for the API

import (
	"expvar" // expvar exposes coordinator counters

	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/rundown-sync/internal/handler"    // handlers that implement the rundown API
	"github.com/iliyamo/rundown-sync/internal/middleware" // middleware for JWT authentication and role enforcement
)

// RegisterRoutes registers routes that do not require authentication: the
// health check and the expvar counters.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/debug/vars", echo.WrapHandler(expvar.Handler()))
}

// RegisterRundowns registers the rundown API under /v1/rundowns.  Every
// route requires a valid access token and passes the rate limiter; routes
// that change a rundown additionally require a writer role.  limiter may
// be nil.
func RegisterRundowns(e *echo.Echo, h *handler.RundownHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/rundowns", middleware.JWTAuth(jwtSecret))
	if limiter != nil {
		g.Use(limiter)
	}
	write := middleware.RequireWriter()

	g.GET("", h.List)
	g.POST("", h.Create, write)
	g.GET("/:id", h.Get)
	g.GET("/:id/operations", h.ListOperations)
	g.POST("/:id/operations", h.SubmitOperation, write)
	g.PATCH("/:id/cells", h.SubmitCells, write)
	g.POST("/:id/members", h.AddMember, write)
	g.GET("/:id/ws", h.Subscribe)
}
