package worker

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mudler/sdxl-worker/core/schema"
)

// JobHandler is satisfied by *handler.Handler.
type JobHandler interface {
	Handle(ctx context.Context, job schema.Job) schema.Response
}

// RunSyncEndpoint runs a job to completion and returns its result.
// Failed jobs are still answered with 200 and status FAILED.
// @Summary Run a generation job synchronously
// @Param request body schema.Job true "job"
// @Success 200 {object} schema.JobResult "Response"
// @Router /runsync [post]
func RunSyncEndpoint(h JobHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		job := schema.Job{}
		if err := c.Bind(&job); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid job payload: "+err.Error())
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}

		res := h.Handle(c.Request().Context(), job)

		status := schema.JobCompleted
		if res.Failed() {
			status = schema.JobFailed
		}
		return c.JSON(http.StatusOK, schema.JobResult{
			ID:     job.ID,
			Status: status,
			Output: &res,
		})
	}
}
