package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/github"
	"repocapture/internal/models"
	"repocapture/internal/repository"
)

// RepositoryHandler handles the track/untrack lifecycle and sync status.
type RepositoryHandler struct {
	svc    *Services
	logger *zap.Logger
}

func NewRepositoryHandler(svc *Services, logger *zap.Logger) *RepositoryHandler {
	return &RepositoryHandler{svc: svc, logger: logger}
}

// Track handles POST /api/repositories.
func (h *RepositoryHandler) Track(c echo.Context) error {
	var req models.TrackRepositoryRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}
	owner, name := strings.TrimSpace(req.Owner), strings.TrimSpace(req.Name)
	if req.FullName != "" {
		owner, name, _ = strings.Cut(strings.TrimSpace(req.FullName), "/")
	}
	if owner == "" || name == "" || strings.Contains(name, "/") {
		return errorResponse(c, http.StatusBadRequest, "owner and name are required")
	}

	tracked, err := h.svc.Lifecycle.Track(c.Request().Context(), owner, name)
	if err != nil {
		if github.Classify(err) == models.ErrorClassPermanent {
			return errorResponse(c, http.StatusUnprocessableEntity, "Repository is not accessible upstream")
		}
		h.logger.Error("Track repository failed", zap.String("owner", owner), zap.String("name", name), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to track repository")
	}
	return successResponse(c, "Repository tracked", tracked)
}

// Untrack handles DELETE /api/repositories/:id.
func (h *RepositoryHandler) Untrack(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return errorResponse(c, http.StatusBadRequest, "Invalid repository id")
	}
	if err := h.svc.Lifecycle.Untrack(c.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrRepositoryNotFound) {
			return errorResponse(c, http.StatusNotFound, "Repository not found")
		}
		h.logger.Error("Untrack repository failed", zap.Uint("repository_id", id), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to untrack repository")
	}
	return successResponse(c, "Repository untracked", nil)
}

// Status handles GET /api/repositories/:id/status.
func (h *RepositoryHandler) Status(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return errorResponse(c, http.StatusBadRequest, "Invalid repository id")
	}
	ctx := c.Request().Context()
	st, err := h.svc.Lifecycle.SyncStatus(ctx, id)
	if errors.Is(err, repository.ErrRepositoryNotFound) {
		return errorResponse(c, http.StatusNotFound, "Repository not found")
	}
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, "Failed to load status")
	}

	counts, err := h.svc.Activity.CountByRepository(ctx, id)
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, "Failed to load status")
	}
	return successResponse(c, "Successful", map[string]interface{}{
		"status":   st,
		"captured": counts,
	})
}
