package worker

import (
	"context"
	"errors"

	"repocapture/internal/github"
	"repocapture/internal/models"
	"repocapture/internal/ratebudget"
)

var errCancelled = errors.New("job cancelled")

// call spends cost units of one resource's budget on one upstream request. A
// denied reservation becomes a rate-limited error carrying the budget reset time,
// so the job is deferred rather than counted as failing.
func (p *Pool) call(ctx context.Context, resource string, cost int, fn func() (*github.Page, error)) (*github.Page, error) {
	if err := p.budget.Pace(ctx); err != nil {
		return nil, err
	}
	res := p.budget.Reserve(resource, cost)
	p.metrics.Reservation(res.Granted)
	if !res.Granted {
		return nil, &github.APIError{
			Class:   models.ErrorClassRateLimited,
			Message: "rate budget exhausted",
			RetryAt: res.WaitUntil,
		}
	}

	page, err := fn()
	if err != nil {
		p.budget.Commit(res, github.RateOf(err))
	} else {
		p.budget.Commit(res, page.Rate)
	}
	p.metrics.RateBudget(res.Resource, p.budget.Snapshot(res.Resource).Remaining, p.budget.Pending())
	return page, err
}

// pageCost estimates a GraphQL page from the cost the API charged for the last query.
func (p *Pool) pageCost() int {
	return p.budget.EstimateCost(ratebudget.ResourceGraphQL)
}

// checkpoint heartbeats a running job and reports cancellation at a page boundary.
func (p *Pool) checkpoint(ctx context.Context, job *models.CaptureJob) error {
	cancelled, err := p.jobs.IsCancelRequested(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return p.jobs.Heartbeat(ctx, job.ID)
}

// store writes a page of items for a repository and returns how many were written.
func (p *Pool) store(ctx context.Context, job *models.CaptureJob, items []models.ActivityItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := p.now()
	for i := range items {
		items[i].RepositoryID = job.RepositoryID
		items[i].CapturedAt = now
	}
	if err := p.activity.UpsertItems(ctx, items); err != nil {
		return 0, err
	}
	p.metrics.ItemsCaptured(string(job.JobType), len(items))
	return len(items), nil
}
