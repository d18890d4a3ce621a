package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repocapture/internal/models"
)

var (
	// ErrActiveJobExists is returned when a (repository, job type) pair already has a
	// queued or running job.
	ErrActiveJobExists = errors.New("an active capture job already exists for this repository and job type")
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("capture job not found")
	// ErrLeaseLost is returned when a worker updates a job that is no longer running.
	ErrLeaseLost = errors.New("capture job is no longer running")
)

var activeStatuses = []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}

// CaptureJobRepository is the job store. It exclusively owns capture_jobs rows;
// every status change is a conditional update checked through RowsAffected.
type CaptureJobRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCaptureJobRepository(db *gorm.DB) *CaptureJobRepository {
	return &CaptureJobRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a copy bound to an open transaction.
func (r *CaptureJobRepository) WithTx(tx *gorm.DB) *CaptureJobRepository {
	return &CaptureJobRepository{db: tx, now: r.now}
}

// Transaction runs fn inside a database transaction.
func (r *CaptureJobRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// Enqueue inserts a new queued job. It returns ErrActiveJobExists when the
// repository already has an active job of the same type.
func (r *CaptureJobRepository) Enqueue(ctx context.Context, job *models.CaptureJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	key := models.ActiveKeyFor(job.RepositoryID, job.JobType)
	job.ActiveKey = &key
	job.Status = models.JobStatusQueued
	if job.NextRunAt.IsZero() {
		job.NextRunAt = r.now()
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveJobExists
	}
	return err
}

// ClaimNext atomically moves the oldest ready job to running. Repositories that
// already have maxPerRepository running jobs are skipped. Returns nil when idle.
// The candidate's repository row is locked and its running jobs recounted before
// the claim, so concurrent claimers cannot exceed the cap together.
func (r *CaptureJobRepository) ClaimNext(ctx context.Context, maxPerRepository int) (*models.CaptureJob, error) {
	if maxPerRepository <= 0 {
		maxPerRepository = 1
	}

	var claimed *models.CaptureJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()

		busy := tx.Model(&models.CaptureJob{}).
			Select("repository_id").
			Where("status = ?", models.JobStatusRunning).
			Group("repository_id").
			Having("COUNT(*) >= ?", maxPerRepository)

		var candidates []models.CaptureJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_run_at <= ?", models.JobStatusQueued, now).
			Where("repository_id NOT IN (?)", busy).
			Order("next_run_at ASC").
			Order("created_at ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		job := candidates[0]
		free, err := hasCapacity(tx, job.RepositoryID, maxPerRepository)
		if err != nil || !free {
			return err
		}

		res := tx.Model(&models.CaptureJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.JobStatusRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		job.Status = models.JobStatusRunning
		job.Attempts++
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// hasCapacity serializes claimers of one repository on its row, then counts its
// running jobs with a locking read so the count sees committed claims.
func hasCapacity(tx *gorm.DB, repositoryID uint, maxPerRepository int) (bool, error) {
	var locked []models.Repository
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", repositoryID).
		Find(&locked).Error; err != nil {
		return false, err
	}

	var running []string
	if err := tx.Model(&models.CaptureJob{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("repository_id = ? AND status = ?", repositoryID, models.JobStatusRunning).
		Pluck("id", &running).Error; err != nil {
		return false, err
	}
	return len(running) < maxPerRepository, nil
}

// Heartbeat refreshes the implicit lease of a running job.
func (r *CaptureJobRepository) Heartbeat(ctx context.Context, id string) error {
	return r.updateRunning(ctx, id, map[string]interface{}{"updated_at": r.now()})
}

// RecordProgress checkpoints a running job after a successful page.
func (r *CaptureJobRepository) RecordProgress(ctx context.Context, id string, cursor *string, items int) error {
	return r.updateRunning(ctx, id, map[string]interface{}{
		"resume_cursor":      cursor,
		"items_processed":    gorm.Expr("items_processed + ?", items),
		"consecutive_errors": 0,
		"failure_class":      "",
		"failure_reason":     "",
		"updated_at":         r.now(),
	})
}

// Complete marks a running job completed.
func (r *CaptureJobRepository) Complete(ctx context.Context, id string, cursor *string, items int) error {
	now := r.now()
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":             models.JobStatusCompleted,
		"active_key":         nil,
		"resume_cursor":      cursor,
		"items_processed":    gorm.Expr("items_processed + ?", items),
		"consecutive_errors": 0,
		"failure_class":      "",
		"failure_reason":     "",
		"completed_at":       now,
		"updated_at":         now,
	})
}

// CompleteChunk completes a running job and inserts its successor in the same
// transaction, so the successor never exists before the predecessor's cursor is durable.
func (r *CaptureJobRepository) CompleteChunk(ctx context.Context, id string, cursor *string, items int, next *models.CaptureJob) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobs := r.WithTx(tx)
		if err := jobs.Complete(ctx, id, cursor, items); err != nil {
			return err
		}
		return jobs.Enqueue(ctx, next)
	})
}

// Retry returns a running job to the queue after a counted failure.
func (r *CaptureJobRepository) Retry(ctx context.Context, id string, class models.ErrorClass, reason string, nextRunAt time.Time) error {
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":             models.JobStatusQueued,
		"consecutive_errors": gorm.Expr("consecutive_errors + 1"),
		"failure_class":      string(class),
		"failure_reason":     reason,
		"next_run_at":        nextRunAt,
		"updated_at":         r.now(),
	})
}

// Defer yields a running job back to the queue without counting an error,
// used when the rate budget is exhausted.
func (r *CaptureJobRepository) Defer(ctx context.Context, id string, until time.Time, reason string) error {
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":         models.JobStatusQueued,
		"failure_class":  string(models.ErrorClassRateLimited),
		"failure_reason": reason,
		"next_run_at":    until,
		"updated_at":     r.now(),
	})
}

// Fail moves a running job to failed.
func (r *CaptureJobRepository) Fail(ctx context.Context, id string, class models.ErrorClass, reason string, needsReview bool) error {
	now := r.now()
	return r.updateRunning(ctx, id, map[string]interface{}{
		"status":             models.JobStatusFailed,
		"active_key":         nil,
		"consecutive_errors": gorm.Expr("consecutive_errors + 1"),
		"failure_class":      string(class),
		"failure_reason":     reason,
		"needs_review":       needsReview,
		"completed_at":       now,
		"updated_at":         now,
	})
}

// Cancel moves a queued or running job to cancelled.
func (r *CaptureJobRepository) Cancel(ctx context.Context, id string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"active_key":   nil,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequestCancelForRepository cancels queued jobs outright and flags running ones;
// workers honor the flag at their next page boundary.
func (r *CaptureJobRepository) RequestCancelForRepository(ctx context.Context, repositoryID uint) (cancelled, flagged int64, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&models.CaptureJob{}).
			Where("repository_id = ? AND status = ?", repositoryID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":       models.JobStatusCancelled,
				"active_key":   nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		cancelled = res.RowsAffected

		res = tx.Model(&models.CaptureJob{}).
			Where("repository_id = ? AND status = ?", repositoryID, models.JobStatusRunning).
			Update("cancel_requested", true)
		if res.Error != nil {
			return res.Error
		}
		flagged = res.RowsAffected
		return nil
	})
	return cancelled, flagged, err
}

// IsCancelRequested reports whether a job was asked to stop.
func (r *CaptureJobRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var job models.CaptureJob
	err := r.db.WithContext(ctx).Select("cancel_requested", "status").Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.Status == models.JobStatusCancelled, nil
}

// ReapStale returns running jobs whose heartbeat is older than leaseTimeout to the
// queue. Their last checkpointed cursor is kept, so at most one page is replayed.
func (r *CaptureJobRepository) ReapStale(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusRunning, now.Add(-leaseTimeout)).
		Updates(map[string]interface{}{
			"status":      models.JobStatusQueued,
			"next_run_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// Get returns a job by id.
func (r *CaptureJobRepository) Get(ctx context.Context, id string) (*models.CaptureJob, error) {
	var job models.CaptureJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ActiveFor returns the queued or running job for a repository and type, or nil.
func (r *CaptureJobRepository) ActiveFor(ctx context.Context, repositoryID uint, jobType models.JobType) (*models.CaptureJob, error) {
	var jobs []models.CaptureJob
	err := r.db.WithContext(ctx).
		Where("active_key = ?", models.ActiveKeyFor(repositoryID, jobType)).
		Limit(1).
		Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

// CountActive returns the number of queued/running jobs for a repository and type.
func (r *CaptureJobRepository) CountActive(ctx context.Context, repositoryID uint, jobType models.JobType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("repository_id = ? AND job_type = ? AND status IN ?", repositoryID, jobType, activeStatuses).
		Count(&count).Error
	return count, err
}

// LatestForRepository returns the most recently touched job of a repository, or nil.
func (r *CaptureJobRepository) LatestForRepository(ctx context.Context, repositoryID uint) (*models.CaptureJob, error) {
	var jobs []models.CaptureJob
	err := r.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("updated_at DESC").
		Limit(1).
		Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}

// JobFilter narrows List results.
type JobFilter struct {
	RepositoryID uint
	Status       models.JobStatus
	JobType      models.JobType
	SeriesID     string
	Limit        int
	Page         int
}

// List returns jobs matching the filter, newest first, and the total count.
func (r *CaptureJobRepository) List(ctx context.Context, f JobFilter) ([]models.CaptureJob, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.CaptureJob{})
	if f.RepositoryID != 0 {
		q = q.Where("repository_id = ?", f.RepositoryID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	if f.SeriesID != "" {
		q = q.Where("series_id = ?", f.SeriesID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	var jobs []models.CaptureJob
	err := q.Order("created_at DESC").
		Limit(f.Limit).
		Offset((f.Page - 1) * f.Limit).
		Find(&jobs).Error
	return jobs, total, err
}

// ListFailed returns failed jobs, newest first, optionally only those flagged for review.
func (r *CaptureJobRepository) ListFailed(ctx context.Context, needsReviewOnly bool, limit int) ([]models.CaptureJob, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Where("status = ?", models.JobStatusFailed)
	if needsReviewOnly {
		q = q.Where("needs_review = ?", true)
	}
	var jobs []models.CaptureJob
	err := q.Order("completed_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// FinishedOutcomes counts jobs of a strategy version that finished since a point in time.
// failures only includes permanent and data-integrity failures.
func (r *CaptureJobRepository) FinishedOutcomes(ctx context.Context, strategyVersion string, since time.Time) (total, failures int64, err error) {
	base := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("strategy_version = ? AND completed_at >= ?", strategyVersion, since)

	if err = base.Session(&gorm.Session{}).
		Where("status IN ?", []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed}).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = base.Session(&gorm.Session{}).
		Where("status = ? AND failure_class IN ?", models.JobStatusFailed,
			[]string{string(models.ErrorClassPermanent), string(models.ErrorClassDataIntegrity)}).
		Count(&failures).Error
	return total, failures, err
}

// CursorUsedInSeries reports whether a chunk of the series already started from cursor.
func (r *CaptureJobRepository) CursorUsedInSeries(ctx context.Context, seriesID, cursor string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("series_id = ? AND resume_cursor = ?", seriesID, cursor).
		Count(&count).Error
	return count > 0, err
}

// EnqueueOrMergeWebhook folds entity refs into the repository's queued replay job, or
// creates one. A running replay job yields ErrActiveJobExists so callers keep the
// refs for a later flush.
func (r *CaptureJobRepository) EnqueueOrMergeWebhook(ctx context.Context, repositoryID uint, refs []models.EntityRef, runAt time.Time, strategyVersion string) (*models.CaptureJob, error) {
	var out *models.CaptureJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobs := r.WithTx(tx)
		existing, err := jobs.ActiveFor(ctx, repositoryID, models.JobTypeWebhookReplay)
		if err != nil {
			return err
		}

		if existing == nil {
			payload, err := json.Marshal(MergeEntityRefs(nil, refs))
			if err != nil {
				return err
			}
			job := &models.CaptureJob{
				RepositoryID:    repositoryID,
				JobType:         models.JobTypeWebhookReplay,
				StrategyVersion: strategyVersion,
				Payload:         string(payload),
				NextRunAt:       runAt,
			}
			if err := jobs.Enqueue(ctx, job); err != nil {
				return err
			}
			out = job
			return nil
		}

		if existing.Status != models.JobStatusQueued {
			return ErrActiveJobExists
		}

		var current []models.EntityRef
		if existing.Payload != "" {
			if err := json.Unmarshal([]byte(existing.Payload), &current); err != nil {
				return err
			}
		}
		payload, err := json.Marshal(MergeEntityRefs(current, refs))
		if err != nil {
			return err
		}
		nextRunAt := existing.NextRunAt
		if runAt.Before(nextRunAt) {
			nextRunAt = runAt
		}

		res := tx.Model(&models.CaptureJob{}).
			Where("id = ? AND status = ?", existing.ID, models.JobStatusQueued).
			Updates(map[string]interface{}{
				"payload":     string(payload),
				"next_run_at": nextRunAt,
				"updated_at":  r.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Claimed by a worker between the read and the update.
			return ErrActiveJobExists
		}
		existing.Payload = string(payload)
		existing.NextRunAt = nextRunAt
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeEntityRefs appends refs not already present, preserving order.
func MergeEntityRefs(current, add []models.EntityRef) []models.EntityRef {
	seen := make(map[models.EntityRef]bool, len(current)+len(add))
	out := make([]models.EntityRef, 0, len(current)+len(add))
	for _, list := range [][]models.EntityRef{current, add} {
		for _, ref := range list {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func (r *CaptureJobRepository) updateRunning(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.CaptureJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}
