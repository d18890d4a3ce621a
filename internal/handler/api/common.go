package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"repocapture/internal/alert"
	"repocapture/internal/lifecycle"
	"repocapture/internal/models"
	"repocapture/internal/orchestrator"
	"repocapture/internal/ratebudget"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
)

// Services bundles everything the operator API reads or drives.
type Services struct {
	Jobs      *repository.CaptureJobRepository
	Repos     *repository.RepoRepository
	Activity  *repository.ActivityRepository
	Orch      *orchestrator.Orchestrator
	Rollout   *rollout.Manager
	Lifecycle *lifecycle.Service
	Budget    *ratebudget.Tracker
	Alerts    *alert.Recorder
}

func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, code int, msg string) error {
	return c.JSON(code, models.APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    nil,
	})
}

func paginatedResponse(data interface{}, total int64, page, limit int) models.PaginatedResponse {
	return models.PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}
}

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		limit = 50
	}
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	if pages == 0 {
		pages = 1
	}
	return pages
}

// queryInt reads an integer query parameter, falling back to defaultVal.
func queryInt(c echo.Context, key string, defaultVal int) int {
	if v := c.QueryParam(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// paramID reads a numeric path parameter.
func paramID(c echo.Context, key string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(key), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
