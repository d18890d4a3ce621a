package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/github"
	"repocapture/internal/models"
	"repocapture/internal/orchestrator"
	"repocapture/internal/ratebudget"
)

// runBackfillChunk fetches up to PagesPerChunk pages starting at the chunk's
// cursor. The chunk is the unit of resumption: its successor is only created
// once every page of the chunk is stored.
func (p *Pool) runBackfillChunk(ctx context.Context, job *models.CaptureJob, repo *models.Repository) error {
	cursor := job.CursorValue()
	seen := map[string]bool{cursor: true}
	total := 0

	for page := 0; ; page++ {
		if err := p.checkpoint(ctx, job); err != nil {
			return err
		}

		req := github.PageRequest{Cursor: cursor, PageSize: p.opts.PageSize}
		res, err := p.call(ctx, ratebudget.ResourceGraphQL, p.pageCost(), func() (*github.Page, error) {
			return p.source.FetchPage(ctx, repo.Owner, repo.Name, req)
		})
		if err != nil {
			return err
		}
		n, err := p.store(ctx, job, res.Items)
		if err != nil {
			return err
		}
		total += n

		result := orchestrator.ChunkResult{Items: total, NextCursor: res.NextCursor, HasNextPage: res.HasNextPage}
		if res.HasNextPage && res.NextCursor != nil && seen[*res.NextCursor] {
			// Cursors of this chunk are not in the job history yet; a repeat is reported as not advancing.
			return p.orch.CheckPage(ctx, job, *res.NextCursor, result)
		}
		last := !res.HasNextPage || page+1 >= p.opts.PagesPerChunk
		if last {
			// ChunkSucceeded validates against the cursor this page was fetched with.
			if cursor != "" {
				in := cursor
				job.Cursor = &in
			} else {
				job.Cursor = nil
			}
			_, err := p.orch.ChunkSucceeded(ctx, job, result)
			return err
		}

		if err := p.orch.CheckPage(ctx, job, cursor, result); err != nil {
			return err
		}
		cursor = *res.NextCursor
		seen[cursor] = true
	}
}

// runIncrementalSync walks activity updated since the last successful sync and
// checkpoints the cursor after every page so a retry resumes where it stopped.
func (p *Pool) runIncrementalSync(ctx context.Context, job *models.CaptureJob, repo *models.Repository) error {
	var since time.Time
	if repo.LastSyncedAt != nil {
		since = *repo.LastSyncedAt
	}
	cursor := job.CursorValue()
	total := 0

	for {
		if err := p.checkpoint(ctx, job); err != nil {
			return err
		}

		req := github.PageRequest{Cursor: cursor, PageSize: p.opts.PageSize, Since: since}
		res, err := p.call(ctx, ratebudget.ResourceGraphQL, p.pageCost(), func() (*github.Page, error) {
			return p.source.FetchPage(ctx, repo.Owner, repo.Name, req)
		})
		if err != nil {
			return err
		}
		n, err := p.store(ctx, job, res.Items)
		if err != nil {
			return err
		}
		total += n

		if !res.HasNextPage {
			break
		}
		if res.NextCursor == nil || *res.NextCursor == "" || *res.NextCursor == cursor {
			return &github.APIError{
				Class:   models.ErrorClassDataIntegrity,
				Message: "upstream pagination did not advance during incremental sync",
			}
		}
		cursor = *res.NextCursor
		if err := p.jobs.RecordProgress(ctx, job.ID, res.NextCursor, n); err != nil {
			return err
		}
		total = 0
	}

	if err := p.jobs.Complete(ctx, job.ID, nil, total); err != nil {
		return err
	}
	// Anything updated after the job was created is picked up by the next sync.
	if err := p.repos.MarkSynced(ctx, repo.ID, job.CreatedAt); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	p.metrics.JobFinished(string(job.JobType), string(models.JobStatusCompleted))
	p.logger.Info("Incremental sync completed",
		zap.String("repository", repo.FullName()),
		zap.Bool("legacy", job.Legacy))
	return nil
}

// runWebhookReplay re-fetches every entity coalesced into the job once.
func (p *Pool) runWebhookReplay(ctx context.Context, job *models.CaptureJob, repo *models.Repository) error {
	var refs []models.EntityRef
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &refs); err != nil {
			return &github.APIError{Class: models.ErrorClassPermanent, Message: "malformed replay payload: " + err.Error()}
		}
	}

	total := 0
	for _, ref := range refs {
		if err := p.checkpoint(ctx, job); err != nil {
			return err
		}

		ref := ref
		res, err := p.call(ctx, github.EntityResource(ref), github.EntityCost(ref), func() (*github.Page, error) {
			return p.source.FetchEntity(ctx, repo.Owner, repo.Name, ref)
		})
		if err != nil {
			var apiErr *github.APIError
			if errors.As(err, &apiErr) && apiErr.Class == models.ErrorClassPermanent {
				// The entity is gone or hidden; the rest of the batch is still worth capturing.
				p.logger.Warn("Skipping unreplayable entity",
					zap.String("repository", repo.FullName()),
					zap.String("kind", string(ref.Kind)),
					zap.Int("number", ref.Number),
					zap.Error(err))
				continue
			}
			return err
		}
		n, err := p.store(ctx, job, res.Items)
		if err != nil {
			return err
		}
		total += n
	}

	if err := p.jobs.Complete(ctx, job.ID, nil, total); err != nil {
		return err
	}
	p.metrics.JobFinished(string(job.JobType), string(models.JobStatusCompleted))
	p.logger.Debug("Webhook replay completed",
		zap.String("repository", repo.FullName()),
		zap.Int("entities", len(refs)),
		zap.Int("items", total))
	return nil
}
