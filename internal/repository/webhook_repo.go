package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repocapture/internal/models"
)

// WebhookRepository is the inbound delivery ledger.
type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Record inserts a delivery. It reports false when the idempotency key was
// already recorded, leaving the existing row untouched.
func (r *WebhookRepository) Record(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = models.DeliveryPending
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListPending returns pending deliveries of a lane received at or before cutoff,
// oldest first.
func (r *WebhookRepository) ListPending(ctx context.Context, lane models.Lane, cutoff time.Time, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 500
	}
	var list []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND lane = ? AND received_at <= ?", models.DeliveryPending, lane, cutoff).
		Order("received_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// MarkDispatched links pending deliveries to the replay job that covers them.
func (r *WebhookRepository) MarkDispatched(ctx context.Context, ids []uint, jobID string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id IN ? AND status = ?", ids, models.DeliveryPending).
		Updates(map[string]interface{}{
			"status":        models.DeliveryDispatched,
			"job_id":        jobID,
			"dispatched_at": time.Now().UTC(),
		}).Error
}

// IgnorePending drops pending deliveries of a repository, used when it is untracked.
func (r *WebhookRepository) IgnorePending(ctx context.Context, repositoryID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("repository_id = ? AND status = ?", repositoryID, models.DeliveryPending).
		Update("status", models.DeliveryIgnored)
	return res.RowsAffected, res.Error
}

// CountPending returns the number of pending deliveries of a repository.
func (r *WebhookRepository) CountPending(ctx context.Context, repositoryID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("repository_id = ? AND status = ?", repositoryID, models.DeliveryPending).
		Count(&total).Error
	return total, err
}

// Purge deletes settled deliveries received before cutoff.
func (r *WebhookRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status <> ? AND received_at < ?", models.DeliveryPending, cutoff).
		Delete(&models.WebhookDelivery{})
	return res.RowsAffected, res.Error
}
