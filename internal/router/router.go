package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"repocapture/internal/handler"
	"repocapture/internal/handler/api"
	"repocapture/internal/metrics"
	"repocapture/internal/middleware"
	"repocapture/internal/webhook"
)

// Options carries the HTTP-facing settings.
type Options struct {
	APIKey        string
	WebhookSecret string
	Deduper       middleware.DeliveryDeduper
}

// Setup configures all routes for the Echo server.
func Setup(
	e *echo.Echo,
	svc *api.Services,
	webhookRouter *webhook.Router,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	// Handlers
	jobHandler := api.NewJobHandler(svc, logger)
	rolloutHandler := api.NewRolloutHandler(svc, logger)
	repositoryHandler := api.NewRepositoryHandler(svc, logger)
	webhookHandler := handler.NewGitHubWebhookHandler(webhookRouter, logger)

	// Operator API with auth + logging middleware
	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(opts.APIKey))
	apiGroup.Use(middleware.APILogger(logger))

	apiGroup.GET("/jobs", jobHandler.List)
	apiGroup.GET("/jobs/failed", jobHandler.Failed)
	apiGroup.GET("/jobs/:id", jobHandler.Get)
	apiGroup.GET("/series/:id", jobHandler.Series)
	apiGroup.GET("/rate-budget", jobHandler.RateBudget)
	apiGroup.GET("/alerts", jobHandler.Alerts)
	apiGroup.GET("/rollouts", rolloutHandler.List)
	apiGroup.PUT("/rollouts/:version", rolloutHandler.Update)
	apiGroup.POST("/repositories", repositoryHandler.Track)
	apiGroup.DELETE("/repositories/:id", repositoryHandler.Untrack)
	apiGroup.GET("/repositories/:id/status", repositoryHandler.Status)

	// GitHub webhook (signature check, then delivery-id dedup)
	webhookGroup := e.Group("/webhook")
	webhookGroup.Use(middleware.GitHubSignature(opts.WebhookSecret))
	webhookGroup.Use(middleware.GitHubDeliveryDedup(opts.Deduper))
	webhookGroup.POST("/github", webhookHandler.Handle)

	// Metrics
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
