package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repocapture/internal/models"
)

// ErrRepositoryNotFound is returned when a repository id or name does not exist.
var ErrRepositoryNotFound = errors.New("repository not found")

// RepoRepository handles tracked repositories and their size classification.
type RepoRepository struct {
	db *gorm.DB
}

func NewRepoRepository(db *gorm.DB) *RepoRepository {
	return &RepoRepository{db: db}
}

// WithTx returns a copy bound to an open transaction.
func (r *RepoRepository) WithTx(tx *gorm.DB) *RepoRepository {
	return &RepoRepository{db: tx}
}

// Upsert registers owner/name as tracked and returns the stored row.
// Re-tracking a previously untracked repository flips it back on.
func (r *RepoRepository) Upsert(ctx context.Context, owner, name string) (*models.Repository, error) {
	repo := &models.Repository{Owner: owner, Name: name, Tracked: true}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"tracked": true, "updated_at": time.Now().UTC()}),
	}).Create(repo).Error
	if err != nil {
		return nil, err
	}
	return r.FindByName(ctx, owner, name)
}

func (r *RepoRepository) FindByID(ctx context.Context, id uint) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (r *RepoRepository) FindByName(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.WithContext(ctx).Where("owner = ? AND name = ?", owner, name).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRepositoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListTracked returns all tracked repositories ordered by id.
func (r *RepoRepository) ListTracked(ctx context.Context) ([]models.Repository, error) {
	var repos []models.Repository
	err := r.db.WithContext(ctx).Where("tracked = ?", true).Order("id ASC").Find(&repos).Error
	return repos, err
}

// SetTracked flips the tracked flag.
func (r *RepoRepository) SetTracked(ctx context.Context, id uint, tracked bool) error {
	res := r.db.WithContext(ctx).Model(&models.Repository{}).Where("id = ?", id).Update("tracked", tracked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRepositoryNotFound
	}
	return nil
}

// SetWebhookActive records whether webhook deliveries arrive for the repository.
func (r *RepoRepository) SetWebhookActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Repository{}).Where("id = ?", id).Update("webhook_active", active).Error
}

// MarkSynced stamps the last successful incremental sync.
func (r *RepoRepository) MarkSynced(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Repository{}).Where("id = ?", id).Update("last_synced_at", at).Error
}

// MarkBackfilled stamps the completion of a historical backfill.
func (r *RepoRepository) MarkBackfilled(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Repository{}).Where("id = ?", id).Update("backfilled_at", at).Error
}

// SaveClassification replaces the stored classification of a repository.
func (r *RepoRepository) SaveClassification(ctx context.Context, c *models.RepositoryClassification) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "repository_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "stars", "open_prs", "created_at_upstream", "degraded", "classified_at"}),
	}).Create(c).Error
}

// Classification returns the stored classification, or nil when none exists.
func (r *RepoRepository) Classification(ctx context.Context, repositoryID uint) (*models.RepositoryClassification, error) {
	var list []models.RepositoryClassification
	err := r.db.WithContext(ctx).Where("repository_id = ?", repositoryID).Limit(1).Find(&list).Error
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ListStaleClassifications returns tracked repositories whose classification is
// missing, degraded, or older than before.
func (r *RepoRepository) ListStaleClassifications(ctx context.Context, before time.Time) ([]models.Repository, error) {
	var repos []models.Repository
	err := r.db.WithContext(ctx).
		Joins("LEFT JOIN repository_classifications rc ON rc.repository_id = repositories.id").
		Where("repositories.tracked = ?", true).
		Where("rc.repository_id IS NULL OR rc.degraded = ? OR rc.classified_at < ?", true, before).
		Order("repositories.id ASC").
		Find(&repos).Error
	return repos, err
}
