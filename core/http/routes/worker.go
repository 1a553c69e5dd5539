package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/mudler/sdxl-worker/core/http/endpoints/worker"
)

func RegisterWorkerRoutes(e *echo.Echo, h worker.JobHandler) {
	e.POST("/runsync", worker.RunSyncEndpoint(h))
}
