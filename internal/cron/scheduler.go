package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
	"repocapture/internal/strategy"
)

// Planner enqueues the capture plan of one repository.
type Planner interface {
	SelectAndEnqueue(ctx context.Context, repositoryID uint) (*strategy.Selection, []*models.CaptureJob, error)
}

// Refresher re-classifies one repository.
type Refresher interface {
	Refresh(ctx context.Context, repo *models.Repository) (models.Tier, error)
}

// RollbackChecker measures rollouts and rolls back unhealthy versions.
type RollbackChecker interface {
	CheckRollback(ctx context.Context) ([]rollout.RollbackResult, error)
}

// BatchFlusher dispatches batched webhook deliveries.
type BatchFlusher interface {
	FlushBatched(ctx context.Context) (int, error)
}

// Options controls the periodic ticks.
type Options struct {
	SyncInterval    time.Duration
	ReclassifyAfter time.Duration
	LeaseTimeout    time.Duration
	BatchWindow     time.Duration
	RetainFor       time.Duration
	Timeout         time.Duration
}

// Scheduler manages all periodic maintenance of the capture queue.
type Scheduler struct {
	cron       *cron.Cron
	opts       Options
	logger     *zap.Logger
	repos      *repository.RepoRepository
	jobs       *repository.CaptureJobRepository
	deliveries *repository.WebhookRepository
	planner    Planner
	refresher  Refresher
	rollout    RollbackChecker
	flusher    BatchFlusher
	now        func() time.Time
}

// New creates a new cron scheduler. refresher may be nil when classification is
// only done on demand.
func New(
	repos *repository.RepoRepository,
	jobs *repository.CaptureJobRepository,
	deliveries *repository.WebhookRepository,
	planner Planner,
	refresher Refresher,
	checker RollbackChecker,
	flusher BatchFlusher,
	opts Options,
	logger *zap.Logger,
) *Scheduler {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Hour
	}
	if opts.ReclassifyAfter <= 0 {
		opts.ReclassifyAfter = 24 * time.Hour
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 10 * time.Minute
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 30 * time.Second
	}
	if opts.RetainFor <= 0 {
		opts.RetainFor = 7 * 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		opts:       opts,
		logger:     logger,
		repos:      repos,
		jobs:       jobs,
		deliveries: deliveries,
		planner:    planner,
		refresher:  refresher,
		rollout:    checker,
		flusher:    flusher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	jobs := []struct {
		spec string
		name string
		fn   func(ctx context.Context)
	}{
		// Incremental sync of repositories not synced within the interval - every 5 minutes
		{"0 */5 * * * *", "sync due repositories", s.syncDue},
		// Re-classify stale tiers - every hour
		{"0 0 * * * *", "reclassify", s.reclassify},
		// Rollout health - every minute
		{"0 * * * * *", "rollback check", s.checkRollback},
		// Requeue jobs whose worker stopped heartbeating - every minute
		{"30 * * * * *", "reap stale jobs", s.reapStale},
		// Batched webhook lane
		{fmt.Sprintf("@every %s", s.opts.BatchWindow), "flush batched webhooks", s.flushBatched},
		// Settled delivery cleanup - daily at 3 AM
		{"0 0 3 * * *", "purge deliveries", s.purgeDeliveries},
	}

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			s.logger.Debug("Running: " + j.name)
			s.run(j.name, j.fn)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started")
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run(name string, fn func(ctx context.Context)) {
	defer s.recoverFromPanic(name)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	fn(ctx)
}

// ── Incremental sync ─────────────────────────────────────────────────

func (s *Scheduler) syncDue(ctx context.Context) {
	repos, err := s.repos.ListTracked(ctx)
	if err != nil {
		s.logger.Error("List tracked repositories failed", zap.Error(err))
		return
	}

	cutoff := s.now().Add(-s.opts.SyncInterval)
	enqueued := 0
	for i := range repos {
		repo := &repos[i]
		if repo.LastSyncedAt != nil && repo.LastSyncedAt.After(cutoff) {
			continue
		}
		_, jobs, err := s.planner.SelectAndEnqueue(ctx, repo.ID)
		if err != nil {
			s.logger.Warn("Enqueue capture plan failed", zap.Uint("repository_id", repo.ID), zap.Error(err))
			continue
		}
		enqueued += len(jobs)
	}
	if enqueued > 0 {
		s.logger.Info("Due repositories enqueued", zap.Int("jobs", enqueued))
	}
}

// ── Classification refresh ───────────────────────────────────────────

func (s *Scheduler) reclassify(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	repos, err := s.repos.ListStaleClassifications(ctx, s.now().Add(-s.opts.ReclassifyAfter))
	if err != nil {
		s.logger.Error("List stale classifications failed", zap.Error(err))
		return
	}
	for i := range repos {
		if _, err := s.refresher.Refresh(ctx, &repos[i]); err != nil {
			s.logger.Warn("Reclassify failed", zap.Uint("repository_id", repos[i].ID), zap.Error(err))
		}
	}
}

// ── Rollout ──────────────────────────────────────────────────────────

func (s *Scheduler) checkRollback(ctx context.Context) {
	results, err := s.rollout.CheckRollback(ctx)
	if err != nil {
		s.logger.Error("Rollback check failed", zap.Error(err))
		return
	}
	for _, r := range results {
		if r.RolledBack {
			s.logger.Warn("Strategy version rolled back",
				zap.String("strategy_version", r.StrategyVersion),
				zap.Float64("error_rate", r.ErrorRate),
				zap.Int64("sample", r.Sample))
		}
	}
}

// ── Queue maintenance ────────────────────────────────────────────────

func (s *Scheduler) reapStale(ctx context.Context) {
	n, err := s.jobs.ReapStale(ctx, s.opts.LeaseTimeout)
	if err != nil {
		s.logger.Error("Reap stale jobs failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("Requeued jobs with expired lease", zap.Int64("count", n))
	}
}

func (s *Scheduler) flushBatched(ctx context.Context) {
	if _, err := s.flusher.FlushBatched(ctx); err != nil {
		s.logger.Error("Flush batched webhooks failed", zap.Error(err))
	}
}

func (s *Scheduler) purgeDeliveries(ctx context.Context) {
	n, err := s.deliveries.Purge(ctx, s.now().Add(-s.opts.RetainFor))
	if err != nil {
		s.logger.Error("Purge webhook deliveries failed", zap.Error(err))
		return
	}
	s.logger.Info("Purged webhook deliveries", zap.Int64("count", n))
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
