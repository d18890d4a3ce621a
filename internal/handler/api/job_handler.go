package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/repository"
)

// JobHandler serves the capture queue views of the operator dashboard.
type JobHandler struct {
	svc    *Services
	logger *zap.Logger
}

func NewJobHandler(svc *Services, logger *zap.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger}
}

// List handles GET /api/jobs.
func (h *JobHandler) List(c echo.Context) error {
	filter := repository.JobFilter{
		RepositoryID: uint(queryInt(c, "repository_id", 0)),
		Status:       models.JobStatus(c.QueryParam("status")),
		JobType:      models.JobType(c.QueryParam("job_type")),
		SeriesID:     c.QueryParam("series_id"),
		Limit:        queryInt(c, "limit", 50),
		Page:         queryInt(c, "page", 1),
	}
	jobs, total, err := h.svc.Jobs.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("List jobs failed", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to list jobs")
	}
	return successResponse(c, "Successful", paginatedResponse(jobs, total, filter.Page, filter.Limit))
}

// Failed handles GET /api/jobs/failed; needs_review=true narrows to data-integrity aborts.
func (h *JobHandler) Failed(c echo.Context) error {
	jobs, err := h.svc.Jobs.ListFailed(c.Request().Context(), c.QueryParam("needs_review") == "true", queryInt(c, "limit", 100))
	if err != nil {
		h.logger.Error("List failed jobs failed", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to list jobs")
	}
	return successResponse(c, "Successful", jobs)
}

// Get handles GET /api/jobs/:id.
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.svc.Jobs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrJobNotFound) {
		return errorResponse(c, http.StatusNotFound, "Job not found")
	}
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, "Failed to load job")
	}
	return successResponse(c, "Successful", job)
}

// Series handles GET /api/series/:id.
func (h *JobHandler) Series(c echo.Context) error {
	view, err := h.svc.Orch.SeriesStatus(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrSeriesNotFound) {
		return errorResponse(c, http.StatusNotFound, "Series not found")
	}
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, "Failed to load series")
	}
	return successResponse(c, "Successful", view)
}

// RateBudget handles GET /api/rate-budget.
func (h *JobHandler) RateBudget(c echo.Context) error {
	return successResponse(c, "Successful", map[string]interface{}{
		"budget":  h.svc.Budget.Snapshots(),
		"pending": h.svc.Budget.Pending(),
	})
}

// Alerts handles GET /api/alerts.
func (h *JobHandler) Alerts(c echo.Context) error {
	if h.svc.Alerts == nil {
		return successResponse(c, "Successful", []interface{}{})
	}
	return successResponse(c, "Successful", h.svc.Alerts.Recent())
}
