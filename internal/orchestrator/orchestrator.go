// Package orchestrator splits full backfills into resumable chunk jobs and
// applies the failure policy to running jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"repocapture/internal/alert"
	"repocapture/internal/backoff"
	"repocapture/internal/metrics"
	"repocapture/internal/models"
	"repocapture/internal/repository"
)

var (
	// ErrSeriesRunning is returned by StartSeries when the repository already has a running series.
	ErrSeriesRunning = errors.New("a backfill series is already running for this repository")
	// ErrIntegrity is returned by ChunkSucceeded when the page failed validation.
	// The job and its series are already failed when it is returned.
	ErrIntegrity = errors.New("upstream pagination is inconsistent")
)

// ChunkResult is what a chunk job observed on its last page.
type ChunkResult struct {
	// Items written by the job since its last checkpoint.
	Items       int
	NextCursor  *string
	HasNextPage bool
}

// Outcome is what happened to a failed job.
type Outcome string

const (
	OutcomeDeferred Outcome = "deferred"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
)

type Orchestrator struct {
	db                   *gorm.DB
	jobs                 *repository.CaptureJobRepository
	series               *repository.SeriesRepository
	repos                *repository.RepoRepository
	backoff              *backoff.Calculator
	alerter              alert.Alerter
	metrics              *metrics.Metrics
	logger               *zap.Logger
	maxConsecutiveErrors int
	now                  func() time.Time
}

func New(
	db *gorm.DB,
	jobs *repository.CaptureJobRepository,
	series *repository.SeriesRepository,
	repos *repository.RepoRepository,
	calc *backoff.Calculator,
	alerter alert.Alerter,
	m *metrics.Metrics,
	logger *zap.Logger,
	maxConsecutiveErrors int,
) *Orchestrator {
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 5
	}
	return &Orchestrator{
		db:                   db,
		jobs:                 jobs,
		series:               series,
		repos:                repos,
		backoff:              calc,
		alerter:              alerter,
		metrics:              m,
		logger:               logger,
		maxConsecutiveErrors: maxConsecutiveErrors,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// StartSeries creates a backfill series and its first chunk, which starts with no cursor.
func (o *Orchestrator) StartSeries(ctx context.Context, repositoryID uint, strategyVersion string) (*models.BackfillSeries, *models.CaptureJob, error) {
	var (
		series *models.BackfillSeries
		first  *models.CaptureJob
	)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seriesRepo := o.series.WithTx(tx)
		running, err := seriesRepo.RunningForRepository(ctx, repositoryID)
		if err != nil {
			return err
		}
		if running != nil {
			return ErrSeriesRunning
		}

		series = &models.BackfillSeries{RepositoryID: repositoryID, StrategyVersion: strategyVersion}
		if err := seriesRepo.Create(ctx, series); err != nil {
			return err
		}
		first = &models.CaptureJob{
			RepositoryID:    repositoryID,
			JobType:         models.JobTypeBackfillChunk,
			SeriesID:        &series.ID,
			ChunkIndex:      0,
			StrategyVersion: strategyVersion,
			NextRunAt:       o.now(),
		}
		return o.jobs.WithTx(tx).Enqueue(ctx, first)
	})
	if err != nil {
		return nil, nil, err
	}

	o.logger.Info("backfill series started",
		zap.Uint("repository_id", repositoryID),
		zap.String("series_id", series.ID),
		zap.String("strategy_version", strategyVersion))
	return series, first, nil
}

// LatestSeries returns the newest series of a repository, or nil when none was started.
func (o *Orchestrator) LatestSeries(ctx context.Context, repositoryID uint) (*models.BackfillSeries, error) {
	return o.series.LatestForRepository(ctx, repositoryID)
}

// CheckPage validates a page against the pagination invariants of a series.
// inputCursor is the cursor the page was fetched with. On a violation the job
// and its series are failed for review and the returned error wraps ErrIntegrity.
func (o *Orchestrator) CheckPage(ctx context.Context, job *models.CaptureJob, inputCursor string, res ChunkResult) error {
	reason, err := o.violation(ctx, job, inputCursor, res)
	if err != nil {
		return err
	}
	if reason == "" {
		return nil
	}
	if err := o.abortForIntegrity(ctx, job, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrIntegrity, reason)
}

func (o *Orchestrator) violation(ctx context.Context, job *models.CaptureJob, inputCursor string, res ChunkResult) (string, error) {
	if !res.HasNextPage {
		return "", nil
	}
	if res.NextCursor == nil || *res.NextCursor == "" {
		return "upstream reported more pages without a continuation cursor", nil
	}
	if *res.NextCursor == inputCursor {
		return "continuation cursor did not advance", nil
	}
	if job.SeriesID == nil {
		return "", nil
	}
	used, err := o.jobs.CursorUsedInSeries(ctx, *job.SeriesID, *res.NextCursor)
	if err != nil {
		return "", fmt.Errorf("check cursor history: %w", err)
	}
	if used {
		return "continuation cursor repeats an earlier chunk of this series", nil
	}
	return "", nil
}

// ChunkSucceeded settles a chunk. With more pages it persists the cursor and
// enqueues the next chunk atomically; otherwise it completes the series. Only
// HasNextPage ends a series, an empty page never does.
func (o *Orchestrator) ChunkSucceeded(ctx context.Context, job *models.CaptureJob, res ChunkResult) (*models.CaptureJob, error) {
	if job.SeriesID == nil {
		return nil, fmt.Errorf("job %s is not part of a backfill series", job.ID)
	}
	if err := o.CheckPage(ctx, job, job.CursorValue(), res); err != nil {
		return nil, err
	}

	seriesID := *job.SeriesID
	if res.HasNextPage {
		next := &models.CaptureJob{
			RepositoryID:    job.RepositoryID,
			JobType:         models.JobTypeBackfillChunk,
			Cursor:          res.NextCursor,
			SeriesID:        &seriesID,
			ChunkIndex:      job.ChunkIndex + 1,
			StrategyVersion: job.StrategyVersion,
			NextRunAt:       o.now(),
		}
		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			jobs := o.jobs.WithTx(tx)
			if err := jobs.Complete(ctx, job.ID, res.NextCursor, res.Items); err != nil {
				return err
			}
			if err := o.series.WithTx(tx).RecordChunk(ctx, seriesID, res.NextCursor, res.Items); err != nil {
				return err
			}
			return jobs.Enqueue(ctx, next)
		})
		if err != nil {
			return nil, fmt.Errorf("advance series %s: %w", seriesID, err)
		}
		o.metrics.JobFinished(string(job.JobType), string(models.JobStatusCompleted))
		o.logger.Debug("backfill chunk completed",
			zap.String("series_id", seriesID),
			zap.Int("chunk", job.ChunkIndex),
			zap.Int("items", res.Items))
		return next, nil
	}

	series, err := o.series.Get(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.jobs.WithTx(tx).Complete(ctx, job.ID, job.Cursor, res.Items); err != nil {
			return err
		}
		if err := o.series.WithTx(tx).Finish(ctx, seriesID, job.Cursor, res.Items); err != nil {
			return err
		}
		// Incremental syncs resume from the moment the backfill began.
		repos := o.repos.WithTx(tx)
		if err := repos.MarkBackfilled(ctx, job.RepositoryID, now); err != nil {
			return err
		}
		return repos.MarkSynced(ctx, job.RepositoryID, series.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("complete series %s: %w", seriesID, err)
	}
	o.metrics.JobFinished(string(job.JobType), string(models.JobStatusCompleted))
	o.logger.Info("backfill series completed",
		zap.Uint("repository_id", job.RepositoryID),
		zap.String("series_id", seriesID),
		zap.Int("chunks", series.ChunksCompleted+1),
		zap.Int("items", series.ItemsProcessed+res.Items))
	return nil, nil
}

// ChunkFailed applies the failure policy to a chunk. A terminal failure also
// fails its series, which is surfaced as an alert.
func (o *Orchestrator) ChunkFailed(ctx context.Context, job *models.CaptureJob, class models.ErrorClass, reason string, retryAt time.Time) (Outcome, error) {
	outcome, err := o.ApplyFailure(ctx, job, class, reason, retryAt)
	if err != nil || outcome != OutcomeFailed || job.SeriesID == nil {
		return outcome, err
	}
	needsReview := class == models.ErrorClassDataIntegrity
	if err := o.series.Abort(ctx, *job.SeriesID, models.SeriesStatusFailed, reason, needsReview); err != nil && !errors.Is(err, repository.ErrSeriesNotFound) {
		return outcome, err
	}
	return outcome, nil
}

// ApplyFailure routes a failed attempt of any job through the backoff policy:
// rate-limited jobs are deferred without counting an error, transient ones are
// retried in place until the error allowance runs out, everything else fails.
func (o *Orchestrator) ApplyFailure(ctx context.Context, job *models.CaptureJob, class models.ErrorClass, reason string, retryAt time.Time) (Outcome, error) {
	decision := o.backoff.Decide(job.ConsecutiveErrors, class, retryAt)
	now := o.now()

	if class == models.ErrorClassRateLimited {
		if err := o.jobs.Defer(ctx, job.ID, now.Add(decision.Delay), reason); err != nil {
			return "", err
		}
		o.logger.Info("job deferred until rate budget resets",
			zap.String("job_id", job.ID),
			zap.Duration("delay", decision.Delay))
		return OutcomeDeferred, nil
	}

	exhausted := decision.CountsAsError && job.ConsecutiveErrors+1 >= o.maxConsecutiveErrors
	if !decision.Fail && !exhausted {
		if err := o.jobs.Retry(ctx, job.ID, class, reason, now.Add(decision.Delay)); err != nil {
			return "", err
		}
		o.logger.Warn("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("class", string(class)),
			zap.Int("consecutive_errors", job.ConsecutiveErrors+1),
			zap.Duration("delay", decision.Delay),
			zap.String("reason", reason))
		return OutcomeRetrying, nil
	}

	if exhausted && !decision.Fail {
		reason = fmt.Sprintf("gave up after %d consecutive errors: %s", job.ConsecutiveErrors+1, reason)
	}
	needsReview := class == models.ErrorClassDataIntegrity
	if err := o.jobs.Fail(ctx, job.ID, class, reason, needsReview); err != nil {
		return "", err
	}
	o.metrics.JobFinished(string(job.JobType), string(models.JobStatusFailed))
	o.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Uint("repository_id", job.RepositoryID),
		zap.String("job_type", string(job.JobType)),
		zap.String("class", string(class)),
		zap.String("reason", reason))
	o.raise(ctx, job, class, reason)
	return OutcomeFailed, nil
}

// ChunkCancelled records that a chunk stopped because its repository was untracked.
func (o *Orchestrator) ChunkCancelled(ctx context.Context, job *models.CaptureJob) error {
	if err := o.jobs.Cancel(ctx, job.ID); err != nil {
		return err
	}
	o.metrics.JobFinished(string(job.JobType), string(models.JobStatusCancelled))
	if job.SeriesID == nil {
		return nil
	}
	err := o.series.Abort(ctx, *job.SeriesID, models.SeriesStatusCancelled, "repository untracked", false)
	if errors.Is(err, repository.ErrSeriesNotFound) {
		return nil
	}
	return err
}

// SeriesView is a series with its chunk jobs, oldest first.
type SeriesView struct {
	Series *models.BackfillSeries `json:"series"`
	Chunks []models.CaptureJob    `json:"chunks"`
}

// SeriesStatus returns a series and its chunks for the operator API.
func (o *Orchestrator) SeriesStatus(ctx context.Context, id string) (*SeriesView, error) {
	series, err := o.series.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, _, err := o.jobs.List(ctx, repository.JobFilter{SeriesID: id, Limit: 1000})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	return &SeriesView{Series: series, Chunks: chunks}, nil
}

func (o *Orchestrator) abortForIntegrity(ctx context.Context, job *models.CaptureJob, reason string) error {
	if err := o.jobs.Fail(ctx, job.ID, models.ErrorClassDataIntegrity, reason, true); err != nil {
		return err
	}
	if err := o.series.Abort(ctx, *job.SeriesID, models.SeriesStatusFailed, reason, true); err != nil && !errors.Is(err, repository.ErrSeriesNotFound) {
		return err
	}
	o.metrics.JobFinished(string(job.JobType), string(models.JobStatusFailed))
	o.logger.Error("backfill series aborted for review",
		zap.String("series_id", *job.SeriesID),
		zap.String("job_id", job.ID),
		zap.String("reason", reason))
	o.raise(ctx, job, models.ErrorClassDataIntegrity, reason)
	return nil
}

func (o *Orchestrator) raise(ctx context.Context, job *models.CaptureJob, class models.ErrorClass, reason string) {
	if o.alerter == nil {
		return
	}
	fields := map[string]string{
		"repository_id": strconv.FormatUint(uint64(job.RepositoryID), 10),
		"job_id":        job.ID,
		"job_type":      string(job.JobType),
		"class":         string(class),
	}
	title := "Capture job failed"
	if job.SeriesID != nil {
		fields["series_id"] = *job.SeriesID
		title = "Backfill series failed"
	}
	if err := o.alerter.Alert(ctx, alert.Alert{Severity: alert.SeverityCritical, Title: title, Message: reason, Fields: fields}); err != nil {
		o.logger.Warn("failed to deliver alert", zap.Error(err))
	}
}
