package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"repocapture/internal/github"
	"repocapture/internal/models"
	"repocapture/internal/ratebudget"
)

// SignalSource fetches classification signals from upstream.
type SignalSource interface {
	FetchSignals(ctx context.Context, owner, name string) (*models.RepositorySignals, *ratebudget.Snapshot, error)
}

// Refresher fetches fresh signals within the shared rate budget and classifies.
type Refresher struct {
	classifier *Classifier
	source     SignalSource
	budget     *ratebudget.Tracker
	logger     *zap.Logger
}

func NewRefresher(c *Classifier, source SignalSource, budget *ratebudget.Tracker, logger *zap.Logger) *Refresher {
	return &Refresher{classifier: c, source: source, budget: budget, logger: logger}
}

// Refresh classifies repo from upstream signals. When signals cannot be fetched
// the repository is classified degraded; only a permanent upstream error, such
// as the repository no longer existing, is returned.
func (r *Refresher) Refresh(ctx context.Context, repo *models.Repository) (models.Tier, error) {
	signals, err := r.fetch(ctx, repo)
	if err != nil {
		if github.Classify(err) == models.ErrorClassPermanent {
			return "", fmt.Errorf("fetch signals for %s: %w", repo.FullName(), err)
		}
		r.logger.Warn("classification signals unavailable",
			zap.String("repository", repo.FullName()),
			zap.Error(err))
		signals = &models.RepositorySignals{}
	}
	return r.classifier.Classify(ctx, repo.ID, *signals), nil
}

func (r *Refresher) fetch(ctx context.Context, repo *models.Repository) (*models.RepositorySignals, error) {
	res := r.budget.Reserve(ratebudget.ResourceGraphQL, r.budget.EstimateCost(ratebudget.ResourceGraphQL))
	if !res.Granted {
		return nil, &github.APIError{Class: models.ErrorClassRateLimited, Message: "rate budget reserved by capture jobs", RetryAt: res.WaitUntil}
	}
	if err := r.budget.Pace(ctx); err != nil {
		r.budget.Release(res)
		return nil, err
	}

	signals, snap, err := r.source.FetchSignals(ctx, repo.Owner, repo.Name)
	r.budget.Commit(res, snap)
	return signals, err
}
