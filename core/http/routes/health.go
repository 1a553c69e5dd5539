package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type readiness interface {
	Ready() bool
}

// HealthRoutes registers /healthz, always 200, and /readyz, 200 once a model is resident.
func HealthRoutes(e *echo.Echo, r readiness) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/readyz", func(c echo.Context) error {
		if !r.Ready() {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})
}
