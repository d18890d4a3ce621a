package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
)

// RolloutHandler exposes the rollout configuration to operators.
type RolloutHandler struct {
	svc    *Services
	logger *zap.Logger
}

func NewRolloutHandler(svc *Services, logger *zap.Logger) *RolloutHandler {
	return &RolloutHandler{svc: svc, logger: logger}
}

// List handles GET /api/rollouts.
func (h *RolloutHandler) List(c echo.Context) error {
	configs, err := h.svc.Rollout.List(c.Request().Context())
	if err != nil {
		h.logger.Error("List rollouts failed", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to list rollouts")
	}
	return successResponse(c, "Successful", configs)
}

// Update handles PUT /api/rollouts/:version. Raising the percentage is always an
// explicit operator action; it also re-arms a rolled-back version.
func (h *RolloutHandler) Update(c echo.Context) error {
	var req models.UpdateRolloutRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.Percentage == nil && req.ErrorRateThreshold == nil {
		return errorResponse(c, http.StatusBadRequest, "Nothing to update")
	}
	operator := req.Operator
	if operator == "" {
		operator = "api"
	}

	ctx := c.Request().Context()
	version := c.Param("version")
	if req.ErrorRateThreshold != nil {
		if err := h.svc.Rollout.SetThreshold(ctx, version, *req.ErrorRateThreshold); err != nil {
			return h.fail(c, err)
		}
	}
	if req.Percentage != nil {
		if err := h.svc.Rollout.SetPercentage(ctx, version, *req.Percentage, operator); err != nil {
			return h.fail(c, err)
		}
	}

	cfg, err := h.svc.Rollout.Get(ctx, version)
	if err != nil {
		return h.fail(c, err)
	}
	return successResponse(c, "Rollout updated", cfg)
}

func (h *RolloutHandler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrRolloutNotFound):
		return errorResponse(c, http.StatusNotFound, "Rollout not found")
	case errors.Is(err, rollout.ErrInvalidPercentage):
		return errorResponse(c, http.StatusBadRequest, err.Error())
	}
	h.logger.Error("Update rollout failed", zap.Error(err))
	return errorResponse(c, http.StatusBadRequest, err.Error())
}
