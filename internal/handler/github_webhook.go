package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/webhook"
)

// maxWebhookBody matches GitHub's 25MB payload cap.
const maxWebhookBody = 25 << 20

// GitHubWebhookHandler records inbound GitHub deliveries. Signature checks and
// delivery-id dedup run as middleware in front of it.
type GitHubWebhookHandler struct {
	router *webhook.Router
	logger *zap.Logger
}

// NewGitHubWebhookHandler creates a new webhook ingress handler.
func NewGitHubWebhookHandler(router *webhook.Router, logger *zap.Logger) *GitHubWebhookHandler {
	return &GitHubWebhookHandler{
		router: router,
		logger: logger,
	}
}

// Handle serves POST /webhook/github.
func (h *GitHubWebhookHandler) Handle(c echo.Context) error {
	req := c.Request()
	eventType := req.Header.Get("X-GitHub-Event")
	deliveryID := req.Header.Get("X-GitHub-Delivery")
	if eventType == "" || deliveryID == "" {
		return c.JSON(http.StatusBadRequest, models.APIResponse{Status: false, Msg: "missing GitHub delivery headers"})
	}
	if eventType == "ping" {
		return c.JSON(http.StatusOK, models.APIResponse{Status: true, Msg: "pong"})
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.APIResponse{Status: false, Msg: "unreadable body"})
	}

	ev, err := webhook.ParseEvent(eventType, deliveryID, body)
	if errors.Is(err, webhook.ErrUnsupportedEvent) {
		return c.JSON(http.StatusAccepted, models.APIResponse{Status: true, Msg: "ignored"})
	}
	if err != nil {
		h.logger.Warn("Malformed webhook payload",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		return c.JSON(http.StatusBadRequest, models.APIResponse{Status: false, Msg: "malformed payload"})
	}

	res, err := h.router.Accept(req.Context(), ev)
	if errors.Is(err, webhook.ErrUntrackedRepository) {
		return c.JSON(http.StatusAccepted, models.APIResponse{Status: true, Msg: "ignored"})
	}
	if err != nil {
		h.logger.Error("Failed to record webhook delivery",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, models.APIResponse{Status: false, Msg: "failed to record delivery"})
	}

	msg := "queued"
	if res.Duplicate {
		msg = "duplicate"
	}
	return c.JSON(http.StatusAccepted, models.APIResponse{Status: true, Msg: msg, Obj: res})
}
