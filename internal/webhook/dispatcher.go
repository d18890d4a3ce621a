package webhook

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
)

// Decider resolves the strategy version a replay job is attributed to.
type Decider interface {
	Decide(ctx context.Context, repositoryID uint) (rollout.Decision, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// BatchWindow is how long batched deliveries coalesce before they are flushed.
	BatchWindow time.Duration
	// FastInterval is the fallback poll of the fast lane when no notification arrives.
	FastInterval time.Duration
	// FlushLimit bounds the deliveries read per flush.
	FlushLimit int
}

// Dispatcher turns pending deliveries into webhook-replay jobs, one per repository.
type Dispatcher struct {
	deliveries *repository.WebhookRepository
	jobs       *repository.CaptureJobRepository
	decider    Decider
	opts       DispatcherOptions
	logger     *zap.Logger
	notify     chan struct{}
	now        func() time.Time
}

func NewDispatcher(
	deliveries *repository.WebhookRepository,
	jobs *repository.CaptureJobRepository,
	decider Decider,
	opts DispatcherOptions,
	logger *zap.Logger,
) *Dispatcher {
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 30 * time.Second
	}
	if opts.FastInterval <= 0 {
		opts.FastInterval = time.Second
	}
	if opts.FlushLimit <= 0 {
		opts.FlushLimit = 500
	}
	return &Dispatcher{
		deliveries: deliveries,
		jobs:       jobs,
		decider:    decider,
		opts:       opts,
		logger:     logger,
		notify:     make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Notify wakes the fast-lane loop. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run drains the fast lane until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.FastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		case <-ticker.C:
		}
		if _, err := d.FlushFast(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Fast lane flush failed", zap.Error(err))
		}
	}
}

// FlushFast dispatches every pending fast-lane delivery.
func (d *Dispatcher) FlushFast(ctx context.Context) (int, error) {
	now := d.now()
	return d.flush(ctx, models.LaneFast, now, now)
}

// FlushBatched dispatches batched deliveries older than the coalescing window.
func (d *Dispatcher) FlushBatched(ctx context.Context) (int, error) {
	now := d.now()
	return d.flush(ctx, models.LaneBatched, now.Add(-d.opts.BatchWindow), now)
}

// flush returns how many deliveries were attached to a replay job. Deliveries
// of a repository whose replay job is running stay pending for the next flush.
func (d *Dispatcher) flush(ctx context.Context, lane models.Lane, cutoff, runAt time.Time) (int, error) {
	pending, err := d.deliveries.ListPending(ctx, lane, cutoff, d.opts.FlushLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var order []uint
	byRepo := make(map[uint][]models.WebhookDelivery)
	for _, del := range pending {
		if _, ok := byRepo[del.RepositoryID]; !ok {
			order = append(order, del.RepositoryID)
		}
		byRepo[del.RepositoryID] = append(byRepo[del.RepositoryID], del)
	}

	dispatched := 0
	for _, repoID := range order {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		n, err := d.dispatchRepository(ctx, repoID, byRepo[repoID], runAt)
		if err != nil {
			d.logger.Warn("Webhook dispatch failed",
				zap.Uint("repository_id", repoID),
				zap.String("lane", string(lane)),
				zap.Error(err))
			continue
		}
		dispatched += n
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatchRepository(ctx context.Context, repoID uint, deliveries []models.WebhookDelivery, runAt time.Time) (int, error) {
	refs := make([]models.EntityRef, 0, len(deliveries))
	ids := make([]uint, 0, len(deliveries))
	for _, del := range deliveries {
		ids = append(ids, del.ID)
		ref, err := ParseEntityKey(del.EntityKey)
		if err != nil {
			d.logger.Warn("Skipping delivery with bad entity key",
				zap.Uint("delivery_id", del.ID), zap.Error(err))
			continue
		}
		refs = append(refs, ref)
	}

	version := ""
	if d.decider != nil {
		decision, err := d.decider.Decide(ctx, repoID)
		if err != nil {
			return 0, err
		}
		version = decision.StrategyVersion
	}

	if len(refs) > 0 {
		job, err := d.jobs.EnqueueOrMergeWebhook(ctx, repoID, refs, runAt, version)
		if err != nil {
			if errors.Is(err, repository.ErrActiveJobExists) {
				return 0, nil
			}
			return 0, err
		}
		if err := d.deliveries.MarkDispatched(ctx, ids, job.ID); err != nil {
			return 0, err
		}
		return len(ids), nil
	}

	// Nothing replayable; settle the rows so they are not read again.
	return 0, d.deliveries.MarkDispatched(ctx, ids, "")
}
