// Package lifecycle handles tracking and untracking repositories and reports
// their user-facing sync state.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/strategy"
)

// User-facing sync states. Raw upstream errors are never shown to end users.
const (
	StatePending  = "sync pending"
	StateRetrying = "sync failed, retrying"
	StateFailed   = "sync failed"
)

// Classifier refreshes a repository's size tier from upstream signals.
type Classifier interface {
	Refresh(ctx context.Context, repo *models.Repository) (models.Tier, error)
}

// Planner selects a capture strategy and enqueues it. Rearm also restarts a
// backfill whose last series failed.
type Planner interface {
	Rearm(ctx context.Context, repositoryID uint) (*strategy.Selection, []*models.CaptureJob, error)
}

// Status is the sync state of one repository.
type Status struct {
	RepositoryID uint       `json:"repository_id"`
	FullName     string     `json:"full_name"`
	Tracked      bool       `json:"tracked"`
	State        string     `json:"state"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	Tier         string     `json:"tier,omitempty"`
}

// Tracked is the result of Track.
type Tracked struct {
	Repository *models.Repository   `json:"repository"`
	Selection  *strategy.Selection  `json:"selection"`
	Enqueued   []*models.CaptureJob `json:"enqueued"`
}

type Service struct {
	repos      *repository.RepoRepository
	jobs       *repository.CaptureJobRepository
	series     *repository.SeriesRepository
	deliveries *repository.WebhookRepository
	classifier Classifier
	planner    Planner
	logger     *zap.Logger
}

func NewService(
	repos *repository.RepoRepository,
	jobs *repository.CaptureJobRepository,
	series *repository.SeriesRepository,
	deliveries *repository.WebhookRepository,
	classifier Classifier,
	planner Planner,
	logger *zap.Logger,
) *Service {
	return &Service{
		repos:      repos,
		jobs:       jobs,
		series:     series,
		deliveries: deliveries,
		classifier: classifier,
		planner:    planner,
		logger:     logger,
	}
}

// Track starts capturing a repository: it is (re)marked tracked, classified from
// fresh signals and handed to the strategy router. Tracking is an operator action,
// so a backfill held after a failed series starts over.
func (s *Service) Track(ctx context.Context, owner, name string) (*Tracked, error) {
	repo, err := s.repos.Upsert(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("upsert repository: %w", err)
	}

	if s.classifier != nil {
		if _, err := s.classifier.Refresh(ctx, repo); err != nil {
			return nil, fmt.Errorf("classify %s: %w", repo.FullName(), err)
		}
	}

	sel, enqueued, err := s.planner.Rearm(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("plan capture for %s: %w", repo.FullName(), err)
	}

	s.logger.Info("Repository tracked",
		zap.String("repository", repo.FullName()),
		zap.String("tier", string(sel.Tier)),
		zap.String("strategy", string(sel.Strategy)))
	return &Tracked{Repository: repo, Selection: sel, Enqueued: enqueued}, nil
}

// Untrack stops capture. Queued jobs are cancelled now; running ones stop at
// their next page boundary.
func (s *Service) Untrack(ctx context.Context, repositoryID uint) error {
	if err := s.repos.SetTracked(ctx, repositoryID, false); err != nil {
		return err
	}
	cancelled, flagged, err := s.jobs.RequestCancelForRepository(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	if _, err := s.series.CancelForRepository(ctx, repositoryID); err != nil {
		return fmt.Errorf("cancel series: %w", err)
	}
	ignored, err := s.deliveries.IgnorePending(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("drop pending deliveries: %w", err)
	}

	s.logger.Info("Repository untracked",
		zap.Uint("repository_id", repositoryID),
		zap.Int64("cancelled", cancelled),
		zap.Int64("stopping", flagged),
		zap.Int64("deliveries_dropped", ignored))
	return nil
}

// SyncStatus derives the user-facing state from the latest job of the repository.
func (s *Service) SyncStatus(ctx context.Context, repositoryID uint) (*Status, error) {
	repo, err := s.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	latest, err := s.jobs.LatestForRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		RepositoryID: repo.ID,
		FullName:     repo.FullName(),
		Tracked:      repo.Tracked,
		LastSyncedAt: repo.LastSyncedAt,
		State:        stateOf(repo, latest),
	}
	if c, err := s.repos.Classification(ctx, repositoryID); err == nil && c != nil {
		st.Tier = string(c.Tier)
	}
	return st, nil
}

func stateOf(repo *models.Repository, latest *models.CaptureJob) string {
	if latest != nil {
		switch {
		case latest.Status == models.JobStatusFailed:
			return StateFailed
		case !latest.Status.IsTerminal() && latest.ConsecutiveErrors > 0:
			return StateRetrying
		}
	}
	if repo.LastSyncedAt != nil {
		return "last synced at " + repo.LastSyncedAt.UTC().Format(time.RFC3339)
	}
	return StatePending
}
