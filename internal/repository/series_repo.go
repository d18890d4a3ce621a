package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"repocapture/internal/models"
)

// ErrSeriesNotFound is returned when a backfill series id does not exist.
var ErrSeriesNotFound = errors.New("backfill series not found")

// SeriesRepository persists backfill series progress.
type SeriesRepository struct {
	db *gorm.DB
}

func NewSeriesRepository(db *gorm.DB) *SeriesRepository {
	return &SeriesRepository{db: db}
}

// WithTx returns a copy bound to an open transaction.
func (r *SeriesRepository) WithTx(tx *gorm.DB) *SeriesRepository {
	return &SeriesRepository{db: tx}
}

func (r *SeriesRepository) Create(ctx context.Context, series *models.BackfillSeries) error {
	if series.ID == "" {
		series.ID = uuid.NewString()
	}
	if series.Status == "" {
		series.Status = models.SeriesStatusRunning
	}
	return r.db.WithContext(ctx).Create(series).Error
}

func (r *SeriesRepository) Get(ctx context.Context, id string) (*models.BackfillSeries, error) {
	var series models.BackfillSeries
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSeriesNotFound
	}
	if err != nil {
		return nil, err
	}
	return &series, nil
}

// RunningForRepository returns the running series of a repository, or nil.
func (r *SeriesRepository) RunningForRepository(ctx context.Context, repositoryID uint) (*models.BackfillSeries, error) {
	var list []models.BackfillSeries
	err := r.db.WithContext(ctx).
		Where("repository_id = ? AND status = ?", repositoryID, models.SeriesStatusRunning).
		Order("created_at DESC").
		Limit(1).
		Find(&list).Error
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// LatestForRepository returns the most recently created series of a repository, or nil.
func (r *SeriesRepository) LatestForRepository(ctx context.Context, repositoryID uint) (*models.BackfillSeries, error) {
	var list []models.BackfillSeries
	err := r.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at DESC").
		Limit(1).
		Find(&list).Error
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ListForRepository returns series of a repository, newest first.
func (r *SeriesRepository) ListForRepository(ctx context.Context, repositoryID uint) ([]models.BackfillSeries, error) {
	var list []models.BackfillSeries
	err := r.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}

// RecordChunk adds one completed chunk to a running series.
func (r *SeriesRepository) RecordChunk(ctx context.Context, id string, cursor *string, items int) error {
	return r.updateRunning(ctx, id, map[string]interface{}{
		"chunks_completed": gorm.Expr("chunks_completed + 1"),
		"items_processed":  gorm.Expr("items_processed + ?", items),
		"last_cursor":      cursor,
		"updated_at":       time.Now().UTC(),
	})
}

// Finish records the last chunk and marks the series completed.
func (r *SeriesRepository) Finish(ctx context.Context, id string, cursor *string, items int) error {
	now := time.Now().UTC()
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":           models.SeriesStatusCompleted,
		"chunks_completed": gorm.Expr("chunks_completed + 1"),
		"items_processed":  gorm.Expr("items_processed + ?", items),
		"last_cursor":      cursor,
		"completed_at":     now,
		"updated_at":       now,
	})
}

// Abort moves a running series to failed or cancelled.
func (r *SeriesRepository) Abort(ctx context.Context, id string, status models.SeriesStatus, reason string, needsReview bool) error {
	now := time.Now().UTC()
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":         status,
		"failure_reason": reason,
		"needs_review":   needsReview,
		"completed_at":   now,
		"updated_at":     now,
	})
}

// CancelForRepository cancels every running series of a repository.
func (r *SeriesRepository) CancelForRepository(ctx context.Context, repositoryID uint) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.BackfillSeries{}).
		Where("repository_id = ? AND status = ?", repositoryID, models.SeriesStatusRunning).
		Updates(map[string]interface{}{
			"status":         models.SeriesStatusCancelled,
			"failure_reason": "repository untracked",
			"completed_at":   now,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (r *SeriesRepository) updateRunning(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.BackfillSeries{}).
		Where("id = ? AND status = ?", id, models.SeriesStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSeriesNotFound
	}
	return nil
}
