package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mudler/xlog"

	"github.com/mudler/sdxl-worker/core/application"
	"github.com/mudler/sdxl-worker/core/http/routes"
	"github.com/mudler/sdxl-worker/core/schema"
	"github.com/mudler/sdxl-worker/metrics"
)

// API builds the echo server exposing the job endpoint, health probes and metrics.
func API(app *application.Application) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	appConfig := app.ApplicationConfig()

	if appConfig.UploadLimitMB > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", appConfig.UploadLimitMB)))
	}

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				err = errors.New(msg)
			}
		}
		if c.Response().Committed {
			return
		}
		_ = c.JSON(code, schema.ErrorResponse{
			Error: &schema.APIError{Message: err.Error(), Code: code},
		})
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			err := next(c)
			xlog.Debug("HTTP request", "method", req.Method, "path", req.URL.Path, "status", res.Status)
			return err
		}
	})
	e.Use(middleware.Recover())

	routes.HealthRoutes(e, app)

	if !appConfig.DisableMetrics {
		e.Use(metrics.APIMiddleware(app.Metrics()))
		e.GET("/metrics", echo.WrapHandler(app.Metrics().Handler()))
	}

	routes.RegisterWorkerRoutes(e, app.Handler())

	e.Server.RegisterOnShutdown(func() {
		xlog.Info("sdxl-worker API server shutting down")
	})

	return e, nil
}
