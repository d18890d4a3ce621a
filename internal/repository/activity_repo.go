package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repocapture/internal/models"
)

// ActivityRepository stores captured activity items.
type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// UpsertItems writes items keyed on (repository_id, kind, external_id); replaying
// the same page leaves the table unchanged apart from refreshed fields.
func (r *ActivityRepository) UpsertItems(ctx context.Context, items []models.ActivityItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "repository_id"}, {Name: "kind"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"number", "actor", "state", "title", "payload", "occurred_at", "upstream_updated_at", "captured_at",
		}),
	}).CreateInBatches(items, 100).Error
}

// CountByRepository returns item counts per kind for a repository.
func (r *ActivityRepository) CountByRepository(ctx context.Context, repositoryID uint) (map[models.ActivityKind]int64, error) {
	var rows []struct {
		Kind  models.ActivityKind
		Total int64
	}
	err := r.db.WithContext(ctx).Model(&models.ActivityItem{}).
		Select("kind, COUNT(*) AS total").
		Where("repository_id = ?", repositoryID).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.ActivityKind]int64, len(rows))
	for _, row := range rows {
		out[row.Kind] = row.Total
	}
	return out, nil
}

// Count returns the total number of items stored for a repository.
func (r *ActivityRepository) Count(ctx context.Context, repositoryID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.ActivityItem{}).Where("repository_id = ?", repositoryID).Count(&total).Error
	return total, err
}
