package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"repocapture/internal/models"
)

// ErrRolloutNotFound is returned when no rollout config exists for a version.
var ErrRolloutNotFound = errors.New("rollout config not found")

// RolloutRepository persists per-version rollout configuration.
type RolloutRepository struct {
	db *gorm.DB
}

func NewRolloutRepository(db *gorm.DB) *RolloutRepository {
	return &RolloutRepository{db: db}
}

func (r *RolloutRepository) Get(ctx context.Context, version string) (*models.RolloutConfig, error) {
	var cfg models.RolloutConfig
	err := r.db.WithContext(ctx).Where("strategy_version = ?", version).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRolloutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *RolloutRepository) List(ctx context.Context) ([]models.RolloutConfig, error) {
	var list []models.RolloutConfig
	err := r.db.WithContext(ctx).Order("strategy_version ASC").Find(&list).Error
	return list, err
}

// SetPercentage stores an operator-chosen percentage and clears the rolled-back flag.
func (r *RolloutRepository) SetPercentage(ctx context.Context, version string, percentage int, updatedBy string) error {
	res := r.db.WithContext(ctx).Model(&models.RolloutConfig{}).
		Where("strategy_version = ?", version).
		Updates(map[string]interface{}{
			"percentage":     percentage,
			"rolled_back":    false,
			"rolled_back_at": nil,
			"updated_by":     updatedBy,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRolloutNotFound
	}
	return nil
}

// SetThreshold changes the error-rate threshold of a version.
func (r *RolloutRepository) SetThreshold(ctx context.Context, version string, threshold float64) error {
	res := r.db.WithContext(ctx).Model(&models.RolloutConfig{}).
		Where("strategy_version = ?", version).
		Update("error_rate_threshold", threshold)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRolloutNotFound
	}
	return nil
}

// RecordObservation stores the latest measured error rate.
func (r *RolloutRepository) RecordObservation(ctx context.Context, version string, rate float64, sample int) error {
	return r.db.WithContext(ctx).Model(&models.RolloutConfig{}).
		Where("strategy_version = ?", version).
		Updates(map[string]interface{}{
			"observed_error_rate": rate,
			"sample_size":         sample,
		}).Error
}

// ForceRollback drops the version to 0% and marks it rolled back. It reports
// false when the version was already rolled back, so callers alert only once.
func (r *RolloutRepository) ForceRollback(ctx context.Context, version string, rate float64, sample int) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.RolloutConfig{}).
		Where("strategy_version = ? AND rolled_back = ?", version, false).
		Updates(map[string]interface{}{
			"percentage":          0,
			"rolled_back":         true,
			"rolled_back_at":      now,
			"observed_error_rate": rate,
			"sample_size":         sample,
			"updated_by":          "auto-rollback",
			"updated_at":          now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
