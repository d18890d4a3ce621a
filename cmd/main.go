package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/alert"
	"repocapture/internal/backoff"
	"repocapture/internal/bootstrap"
	"repocapture/internal/classifier"
	"repocapture/internal/config"
	cronpkg "repocapture/internal/cron"
	"repocapture/internal/github"
	"repocapture/internal/handler/api"
	"repocapture/internal/lifecycle"
	"repocapture/internal/metrics"
	"repocapture/internal/middleware"
	"repocapture/internal/orchestrator"
	"repocapture/internal/ratebudget"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
	"repocapture/internal/router"
	"repocapture/internal/strategy"
	"repocapture/internal/webhook"
	"repocapture/internal/worker"
)

func main() {
	// --- Logger ---
	logger, err := newLogger(os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if hasArg("--bootstrap-db") {
		if err := runDBBootstrap(logger); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.MigrateAndSeed(db, rolloutSeeds(cfg)...); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}

	// --- Repositories ---
	repos := repository.NewRepoRepository(db)
	jobs := repository.NewCaptureJobRepository(db)
	series := repository.NewSeriesRepository(db)
	activity := repository.NewActivityRepository(db)
	deliveries := repository.NewWebhookRepository(db)
	rollouts := repository.NewRolloutRepository(db)

	// --- Upstream + rate budget ---
	m := metrics.New()
	budget := ratebudget.New(ratebudget.Options{
		DefaultLimit:  cfg.RateBudget.DefaultLimit,
		SafetyMargin:  cfg.RateBudget.SafetyMargin,
		PacePerSecond: cfg.RateBudget.PacePerSecond,
		PaceBurst:     cfg.RateBudget.PaceBurst,
	})
	gh := github.New(github.Config{
		BaseURL:    cfg.GitHub.BaseURL,
		GraphQLURL: cfg.GitHub.GraphQLURL,
		Token:      cfg.GitHub.Token,
		APIVersion: cfg.GitHub.APIVersion,
		Timeout:    cfg.GitHub.Timeout,
	})

	// --- Alerts ---
	recent := alert.NewRecorder(100)
	alerter := alert.Multi{alert.NewLogAlerter(logger), recent}
	if cfg.Alert.TelegramToken != "" && cfg.Alert.TelegramChatID != 0 {
		tg, err := alert.NewTelegramAlerter(cfg.Alert.TelegramToken, cfg.Alert.TelegramChatID)
		if err != nil {
			logger.Warn("Telegram alerts disabled", zap.Error(err))
		} else {
			alerter = append(alerter, tg)
		}
	}

	// --- Capture core ---
	calc := backoff.NewCalculator(backoff.Policy{
		Base:           cfg.Backoff.Base,
		CapExponent:    cfg.Backoff.CapExponent,
		JitterFraction: cfg.Backoff.JitterFraction,
		MaxDelay:       cfg.Backoff.MaxDelay,
		ResetSlack:     cfg.RateBudget.ResetSlack,
		MaxResetWait:   cfg.RateBudget.MaxResetWait,
	}, budget)
	orch := orchestrator.New(db, jobs, series, repos, calc, alerter, m, logger, cfg.Backfill.MaxConsecutiveErrors)
	manager := rollout.NewManager(rollouts, jobs, alerter, m, logger, rollout.Options{
		NewVersion:    cfg.Rollout.NewStrategyVersion,
		LegacyVersion: cfg.Rollout.LegacyStrategyVersion,
		MinSample:     cfg.Rollout.MinSample,
		Window:        cfg.Rollout.Window,
	})
	cls := classifier.New(classifier.Thresholds{
		SmallStars:    cfg.Classifier.SmallStars,
		MediumStars:   cfg.Classifier.MediumStars,
		LargeStars:    cfg.Classifier.LargeStars,
		SmallOpenPRs:  cfg.Classifier.SmallOpenPRs,
		MediumOpenPRs: cfg.Classifier.MediumOpenPRs,
		LargeOpenPRs:  cfg.Classifier.LargeOpenPRs,
		LongLivedAge:  cfg.Classifier.LongLivedAge,
	}, repos, logger)
	refresher := classifier.NewRefresher(cls, gh, budget, logger)
	planner := strategy.NewRouter(repos, jobs, refresher, manager, orch, logger)
	life := lifecycle.NewService(repos, jobs, series, deliveries, refresher, planner, logger)

	// --- Webhooks ---
	dispatcher := webhook.NewDispatcher(deliveries, jobs, manager, webhook.DispatcherOptions{
		BatchWindow:  cfg.Webhook.BatchWindow,
		FastInterval: cfg.Webhook.FastInterval,
	}, logger)
	webhookRouter := webhook.NewRouter(repos, deliveries, dispatcher, m, logger)

	// --- Workers ---
	pool := worker.NewPool(jobs, repos, activity, orch, gh, budget, m, logger, worker.Options{
		Workers:          cfg.Worker.Count,
		MaxPerRepository: cfg.Worker.MaxPerRepository,
		PollInterval:     cfg.Worker.PollInterval,
		PageSize:         cfg.Backfill.PageSize,
		PagesPerChunk:    cfg.Backfill.PagesPerChunk,
	})

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true

	// --- Webhook Deduper (Redis with in-memory fallback) ---
	deduper, dedupeErr := middleware.NewDeliveryDeduper(
		cfg.Redis.Addr,
		cfg.Redis.Pass,
		cfg.Redis.DB,
		cfg.Webhook.DedupTTL,
	)
	if dedupeErr != nil {
		logger.Warn("Redis unavailable for webhook dedup, using in-memory fallback", zap.Error(dedupeErr))
	}

	// --- Routes ---
	router.Setup(e, &api.Services{
		Jobs:      jobs,
		Repos:     repos,
		Activity:  activity,
		Orch:      orch,
		Rollout:   manager,
		Lifecycle: life,
		Budget:    budget,
		Alerts:    recent,
	}, webhookRouter, m, logger, router.Options{
		APIKey:        cfg.API.Key,
		WebhookSecret: cfg.Webhook.Secret,
		Deduper:       deduper,
	})

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(repos, jobs, deliveries, planner, refresher, manager, dispatcher, cronpkg.Options{
		SyncInterval:    cfg.Worker.SyncInterval,
		ReclassifyAfter: cfg.Classifier.ReclassifyAfter,
		LeaseTimeout:    cfg.Worker.LeaseTimeout,
		BatchWindow:     cfg.Webhook.BatchWindow,
		RetainFor:       cfg.Webhook.RetainFor,
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// --- Background loops ---
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting repocapture server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop HTTP server first so no new deliveries arrive
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Stop cron
	<-scheduler.Stop().Done()

	// Stop workers; in-flight jobs are deferred, not failed
	stop()
	wg.Wait()

	logger.Info("Server exited")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func rolloutSeeds(cfg *config.Config) []bootstrap.RolloutSeed {
	return []bootstrap.RolloutSeed{
		{
			StrategyVersion:    cfg.Rollout.NewStrategyVersion,
			Percentage:         cfg.Rollout.InitialPercentage,
			ErrorRateThreshold: cfg.Rollout.ErrorRateThreshold,
		},
	}
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBBootstrap(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	if err := bootstrap.MigrateAndSeed(db, rolloutSeeds(cfg)...); err != nil {
		return err
	}
	logger.Info("Schema migration and default seed completed")
	return nil
}
