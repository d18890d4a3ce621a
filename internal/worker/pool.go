// Package worker drains the capture queue: it claims jobs, calls the upstream
// API within the shared rate budget and writes captured activity.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/github"
	"repocapture/internal/metrics"
	"repocapture/internal/models"
	"repocapture/internal/orchestrator"
	"repocapture/internal/ratebudget"
	"repocapture/internal/repository"
)

// Source is the upstream activity API.
type Source interface {
	FetchPage(ctx context.Context, owner, name string, req github.PageRequest) (*github.Page, error)
	FetchEntity(ctx context.Context, owner, name string, ref models.EntityRef) (*github.Page, error)
}

// Options configures a Pool.
type Options struct {
	Workers          int
	MaxPerRepository int
	PollInterval     time.Duration
	PageSize         int
	PagesPerChunk    int
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxPerRepository <= 0 {
		o.MaxPerRepository = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.PagesPerChunk <= 0 {
		o.PagesPerChunk = 1
	}
}

type Pool struct {
	jobs     *repository.CaptureJobRepository
	repos    *repository.RepoRepository
	activity *repository.ActivityRepository
	orch     *orchestrator.Orchestrator
	source   Source
	budget   *ratebudget.Tracker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewPool(
	jobs *repository.CaptureJobRepository,
	repos *repository.RepoRepository,
	activity *repository.ActivityRepository,
	orch *orchestrator.Orchestrator,
	source Source,
	budget *ratebudget.Tracker,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *Pool {
	opts.defaults()
	return &Pool{
		jobs:     jobs,
		repos:    repos,
		activity: activity,
		orch:     orch,
		source:   source,
		budget:   budget,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info("Worker pool started", zap.Int("workers", p.opts.Workers))
	wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := p.ExecuteOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("Worker iteration failed", zap.Int("worker", id), zap.Error(err))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// ExecuteOnce claims and runs at most one job. It reports whether a job was claimed.
func (p *Pool) ExecuteOnce(ctx context.Context) (bool, error) {
	job, err := p.jobs.ClaimNext(ctx, p.opts.MaxPerRepository)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.execute(ctx, job)
}

func (p *Pool) execute(ctx context.Context, job *models.CaptureJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while executing job",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
			err = p.fail(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	repo, err := p.repos.FindByID(ctx, job.RepositoryID)
	if err != nil {
		if errors.Is(err, repository.ErrRepositoryNotFound) {
			return p.fail(ctx, job, &github.APIError{Class: models.ErrorClassPermanent, Message: "repository record is missing"})
		}
		return p.fail(ctx, job, err)
	}
	if !repo.Tracked {
		return p.orch.ChunkCancelled(ctx, job)
	}

	p.logger.Debug("Executing job",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("repository", repo.FullName()))

	switch job.JobType {
	case models.JobTypeBackfillChunk:
		err = p.runBackfillChunk(ctx, job, repo)
	case models.JobTypeIncrementalSync:
		err = p.runIncrementalSync(ctx, job, repo)
	case models.JobTypeWebhookReplay:
		err = p.runWebhookReplay(ctx, job, repo)
	default:
		err = &github.APIError{Class: models.ErrorClassPermanent, Message: "unknown job type " + string(job.JobType)}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errCancelled):
		return p.orch.ChunkCancelled(ctx, job)
	case errors.Is(err, repository.ErrLeaseLost):
		// Reaped or cancelled elsewhere; the job is no longer ours.
		p.logger.Warn("Lost lease on job", zap.String("job_id", job.ID))
		return nil
	case errors.Is(err, orchestrator.ErrIntegrity):
		// Job and series were already failed for review.
		return nil
	}
	return p.fail(ctx, job, err)
}

// fail routes an error through the failure policy. A shutdown mid-job yields
// the job back to the queue without counting an error.
func (p *Pool) fail(ctx context.Context, job *models.CaptureJob, cause error) error {
	if ctx.Err() != nil {
		settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := p.jobs.Defer(settle, job.ID, p.now(), "interrupted by shutdown")
		if errors.Is(err, repository.ErrLeaseLost) {
			return nil
		}
		return err
	}

	class := github.Classify(cause)
	retryAt := github.RetryAt(cause)
	var err error
	if job.JobType == models.JobTypeBackfillChunk {
		_, err = p.orch.ChunkFailed(ctx, job, class, cause.Error(), retryAt)
	} else {
		_, err = p.orch.ApplyFailure(ctx, job, class, cause.Error(), retryAt)
	}
	if errors.Is(err, repository.ErrLeaseLost) {
		return nil
	}
	return err
}
