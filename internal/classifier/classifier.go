// Package classifier assigns size tiers to repositories from cheap upstream signals.
package classifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/models"
)

// Thresholds are upper bounds (exclusive) of the small, medium and large tiers.
type Thresholds struct {
	SmallStars    int
	MediumStars   int
	LargeStars    int
	SmallOpenPRs  int
	MediumOpenPRs int
	LargeOpenPRs  int
	// LongLivedAge lifts repositories older than this to at least medium.
	LongLivedAge time.Duration
}

// DefaultThresholds returns 100 / 5,000 / 50,000 stars and 50 / 500 / 5,000 open PRs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SmallStars:    100,
		MediumStars:   5000,
		LargeStars:    50000,
		SmallOpenPRs:  50,
		MediumOpenPRs: 500,
		LargeOpenPRs:  5000,
		LongLivedAge:  10 * 365 * 24 * time.Hour,
	}
}

// Store persists classifications.
type Store interface {
	SaveClassification(ctx context.Context, c *models.RepositoryClassification) error
}

type Classifier struct {
	thresholds Thresholds
	store      Store
	logger     *zap.Logger
	now        func() time.Time
}

func New(thresholds Thresholds, store Store, logger *zap.Logger) *Classifier {
	return &Classifier{
		thresholds: thresholds,
		store:      store,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Classify computes and stores the tier of a repository. It never fails: a
// missing star count yields medium, and a storage error is only logged.
func (c *Classifier) Classify(ctx context.Context, repositoryID uint, signals models.RepositorySignals) models.Tier {
	tier, degraded := c.Tier(signals)
	if degraded {
		c.logger.Warn("degraded repository classification, star count unavailable",
			zap.Uint("repository_id", repositoryID),
			zap.String("tier", string(tier)))
	}

	record := &models.RepositoryClassification{
		RepositoryID:      repositoryID,
		Tier:              tier,
		Stars:             signals.Stars,
		OpenPRs:           signals.OpenPRs,
		CreatedAtUpstream: signals.CreatedAt,
		Degraded:          degraded,
		ClassifiedAt:      c.now(),
	}
	if c.store != nil {
		if err := c.store.SaveClassification(ctx, record); err != nil {
			c.logger.Error("failed to store classification",
				zap.Uint("repository_id", repositoryID),
				zap.Error(err))
		}
	}
	return tier
}

// Tier is the pure mapping from signals to a tier.
func (c *Classifier) Tier(signals models.RepositorySignals) (models.Tier, bool) {
	if signals.Stars == nil {
		return models.TierMedium, true
	}

	t := c.thresholds
	tier := bucket(*signals.Stars, t.SmallStars, t.MediumStars, t.LargeStars)
	if signals.OpenPRs != nil {
		tier = maxTier(tier, bucket(*signals.OpenPRs, t.SmallOpenPRs, t.MediumOpenPRs, t.LargeOpenPRs))
	}
	if signals.CreatedAt != nil && t.LongLivedAge > 0 && c.now().Sub(*signals.CreatedAt) > t.LongLivedAge {
		tier = maxTier(tier, models.TierMedium)
	}
	return tier, false
}

func bucket(v, small, medium, large int) models.Tier {
	switch {
	case v < small:
		return models.TierSmall
	case v < medium:
		return models.TierMedium
	case v < large:
		return models.TierLarge
	default:
		return models.TierExtraLarge
	}
}

func maxTier(a, b models.Tier) models.Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
