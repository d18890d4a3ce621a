// Package strategy picks how a repository is captured and enqueues the plan.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/orchestrator"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
)

// Strategy is the capture mode chosen for a repository.
type Strategy string

const (
	StrategyFullBackfill    Strategy = "full-backfill"
	StrategyIncrementalSync Strategy = "incremental-sync"
	StrategyWebhookTrickle  Strategy = "webhook-trickle"
)

// JobSpec is one job the router wants to exist.
type JobSpec struct {
	JobType models.JobType `json:"job_type"`
	// Legacy marks the single-pass sync that walks the full history in one job.
	Legacy bool `json:"legacy"`
}

// Selection is the routing decision for one repository.
type Selection struct {
	RepositoryID    uint        `json:"repository_id"`
	Tier            models.Tier `json:"tier"`
	Strategy        Strategy    `json:"strategy"`
	StrategyVersion string      `json:"strategy_version"`
	UseNewStrategy  bool        `json:"use_new_strategy"`
	Plan            []JobSpec   `json:"plan"`
	// Held is set when the last backfill series failed; nothing is planned until an
	// operator re-arms the repository.
	Held       bool   `json:"held"`
	HeldReason string `json:"held_reason,omitempty"`
}

// Refresher classifies a repository on demand when no classification is stored.
type Refresher interface {
	Refresh(ctx context.Context, repo *models.Repository) (models.Tier, error)
}

// Decider is the rollout assignment.
type Decider interface {
	Decide(ctx context.Context, repositoryID uint) (rollout.Decision, error)
}

// SeriesStarter starts backfill series and reports the latest one.
type SeriesStarter interface {
	StartSeries(ctx context.Context, repositoryID uint, strategyVersion string) (*models.BackfillSeries, *models.CaptureJob, error)
	LatestSeries(ctx context.Context, repositoryID uint) (*models.BackfillSeries, error)
}

type Router struct {
	repos     *repository.RepoRepository
	jobs      *repository.CaptureJobRepository
	refresher Refresher
	rollout   Decider
	series    SeriesStarter
	logger    *zap.Logger
}

func NewRouter(
	repos *repository.RepoRepository,
	jobs *repository.CaptureJobRepository,
	refresher Refresher,
	decider Decider,
	series SeriesStarter,
	logger *zap.Logger,
) *Router {
	return &Router{
		repos:     repos,
		jobs:      jobs,
		refresher: refresher,
		rollout:   decider,
		series:    series,
		logger:    logger,
	}
}

// SelectStrategy decides without side effects beyond on-demand classification.
// For a fixed rollout percentage the answer is stable.
func (r *Router) SelectStrategy(ctx context.Context, repositoryID uint) (*Selection, error) {
	return r.selectStrategy(ctx, repositoryID, false)
}

func (r *Router) selectStrategy(ctx context.Context, repositoryID uint, rearm bool) (*Selection, error) {
	repo, err := r.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	tier, err := r.tier(ctx, repo)
	if err != nil {
		return nil, err
	}
	decision, err := r.rollout.Decide(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	sel := &Selection{
		RepositoryID:    repositoryID,
		Tier:            tier,
		StrategyVersion: decision.StrategyVersion,
		UseNewStrategy:  decision.UseNew,
	}

	initialCaptureDone := repo.BackfilledAt != nil || repo.LastSyncedAt != nil
	switch {
	case repo.WebhookActive && initialCaptureDone:
		sel.Strategy = StrategyWebhookTrickle
	case !tier.IsLarge():
		sel.Strategy = StrategyIncrementalSync
		sel.Plan = []JobSpec{{JobType: models.JobTypeIncrementalSync}}
	case decision.UseNew && repo.BackfilledAt == nil:
		sel.Strategy = StrategyFullBackfill
		if !rearm {
			latest, err := r.series.LatestSeries(ctx, repositoryID)
			if err != nil {
				return nil, err
			}
			if latest != nil && latest.Status == models.SeriesStatusFailed {
				sel.Held = true
				sel.HeldReason = latest.FailureReason
				return sel, nil
			}
		}
		sel.Plan = []JobSpec{{JobType: models.JobTypeBackfillChunk}}
	case decision.UseNew:
		sel.Strategy = StrategyIncrementalSync
		sel.Plan = []JobSpec{{JobType: models.JobTypeIncrementalSync}}
	default:
		sel.Strategy = StrategyIncrementalSync
		sel.Plan = []JobSpec{{JobType: models.JobTypeIncrementalSync, Legacy: true}}
	}
	return sel, nil
}

// SelectAndEnqueue selects a strategy and enqueues its plan. Jobs whose
// (repository, job type) slot is already taken are skipped, not duplicated.
func (r *Router) SelectAndEnqueue(ctx context.Context, repositoryID uint) (*Selection, []*models.CaptureJob, error) {
	return r.selectAndEnqueue(ctx, repositoryID, false)
}

// Rearm is the operator action that lets a repository whose backfill series failed
// start a fresh series. Otherwise it behaves like SelectAndEnqueue.
func (r *Router) Rearm(ctx context.Context, repositoryID uint) (*Selection, []*models.CaptureJob, error) {
	return r.selectAndEnqueue(ctx, repositoryID, true)
}

func (r *Router) selectAndEnqueue(ctx context.Context, repositoryID uint, rearm bool) (*Selection, []*models.CaptureJob, error) {
	sel, err := r.selectStrategy(ctx, repositoryID, rearm)
	if err != nil {
		return nil, nil, err
	}
	if sel.Held {
		r.logger.Debug("capture held for review of failed backfill",
			zap.Uint("repository_id", repositoryID),
			zap.String("reason", sel.HeldReason))
		return sel, nil, nil
	}

	var enqueued []*models.CaptureJob
	for _, spec := range sel.Plan {
		job, err := r.enqueue(ctx, sel, spec)
		if err != nil {
			return sel, enqueued, err
		}
		if job != nil {
			enqueued = append(enqueued, job)
		}
	}

	r.logger.Debug("capture strategy selected",
		zap.Uint("repository_id", repositoryID),
		zap.String("tier", string(sel.Tier)),
		zap.String("strategy", string(sel.Strategy)),
		zap.String("strategy_version", sel.StrategyVersion),
		zap.Int("enqueued", len(enqueued)))
	return sel, enqueued, nil
}

func (r *Router) enqueue(ctx context.Context, sel *Selection, spec JobSpec) (*models.CaptureJob, error) {
	if spec.JobType == models.JobTypeBackfillChunk {
		_, first, err := r.series.StartSeries(ctx, sel.RepositoryID, sel.StrategyVersion)
		if errors.Is(err, orchestrator.ErrSeriesRunning) || errors.Is(err, repository.ErrActiveJobExists) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("start backfill series: %w", err)
		}
		return first, nil
	}

	job := &models.CaptureJob{
		RepositoryID:    sel.RepositoryID,
		JobType:         spec.JobType,
		StrategyVersion: sel.StrategyVersion,
		Legacy:          spec.Legacy,
		NextRunAt:       time.Now().UTC(),
	}
	err := r.jobs.Enqueue(ctx, job)
	if errors.Is(err, repository.ErrActiveJobExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", spec.JobType, err)
	}
	return job, nil
}

func (r *Router) tier(ctx context.Context, repo *models.Repository) (models.Tier, error) {
	stored, err := r.repos.Classification(ctx, repo.ID)
	if err != nil {
		return "", err
	}
	if stored != nil {
		return stored.Tier, nil
	}
	if r.refresher == nil {
		return models.TierMedium, nil
	}
	return r.refresher.Refresh(ctx, repo)
}
