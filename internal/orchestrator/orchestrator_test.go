package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"repocapture/internal/alert"
	"repocapture/internal/backoff"
	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/testutil"
)

type fixture struct {
	orch   *Orchestrator
	jobs   *repository.CaptureJobRepository
	series *repository.SeriesRepository
	repos  *repository.RepoRepository
	alerts *alert.Recorder
	repoID uint
}

func newFixture(t *testing.T, maxErrors int) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	jobs := repository.NewCaptureJobRepository(db)
	series := repository.NewSeriesRepository(db)
	repos := repository.NewRepoRepository(db)
	rec := alert.NewRecorder(10)
	// Zero base delay keeps retried jobs immediately claimable.
	calc := backoff.NewCalculator(backoff.Policy{Base: 0, CapExponent: 8, ResetSlack: time.Minute, MaxResetWait: time.Hour}, nil)

	repo, err := repos.Upsert(context.Background(), "octo", "monorepo")
	require.NoError(t, err)

	return &fixture{
		orch:   New(db, jobs, series, repos, calc, rec, nil, zap.NewNop(), maxErrors),
		jobs:   jobs,
		series: series,
		repos:  repos,
		alerts: rec,
		repoID: repo.ID,
	}
}

func (f *fixture) claim(t *testing.T) *models.CaptureJob {
	t.Helper()
	job, err := f.jobs.ClaimNext(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func strPtr(s string) *string { return &s }

func TestStartSeries_FirstChunkHasNoCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	series, first, err := f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
	require.NoError(t, err)
	assert.Nil(t, first.Cursor)
	assert.Equal(t, 0, first.ChunkIndex)
	assert.Equal(t, series.ID, *first.SeriesID)
	assert.Equal(t, models.SeriesStatusRunning, series.Status)

	_, _, err = f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
	assert.ErrorIs(t, err, ErrSeriesRunning)
}

func TestSeriesCompletesOnlyOnExplicitEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	series, _, err := f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
	require.NoError(t, err)

	chunk0 := f.claim(t)
	next, err := f.orch.ChunkSucceeded(ctx, chunk0, ChunkResult{Items: 100, NextCursor: strPtr("page-2-token"), HasNextPage: true})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "page-2-token", next.CursorValue())
	assert.Equal(t, 1, next.ChunkIndex)

	// An empty page that still reports more pages keeps the series going.
	chunk1 := f.claim(t)
	assert.Equal(t, "page-2-token", chunk1.CursorValue())
	next, err = f.orch.ChunkSucceeded(ctx, chunk1, ChunkResult{Items: 0, NextCursor: strPtr("page-3-token"), HasNextPage: true})
	require.NoError(t, err)
	require.NotNil(t, next)

	mid, err := f.series.Get(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeriesStatusRunning, mid.Status)
	assert.Equal(t, 2, mid.ChunksCompleted)

	chunk2 := f.claim(t)
	next, err = f.orch.ChunkSucceeded(ctx, chunk2, ChunkResult{Items: 42})
	require.NoError(t, err)
	assert.Nil(t, next)

	view, err := f.orch.SeriesStatus(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeriesStatusCompleted, view.Series.Status)
	assert.Equal(t, 3, view.Series.ChunksCompleted)
	assert.Equal(t, 142, view.Series.ItemsProcessed)
	require.Len(t, view.Chunks, 3)

	sum := 0
	for _, c := range view.Chunks {
		assert.Equal(t, models.JobStatusCompleted, c.Status)
		sum += c.ItemsProcessed
	}
	assert.Equal(t, view.Series.ItemsProcessed, sum)

	repo, err := f.repos.FindByID(ctx, f.repoID)
	require.NoError(t, err)
	assert.NotNil(t, repo.BackfilledAt)
	assert.NotNil(t, repo.LastSyncedAt)
}

func TestChunkSucceeded_IntegrityViolations(t *testing.T) {
	cases := []struct {
		name   string
		result func(input string) ChunkResult
	}{
		{"more pages without cursor", func(string) ChunkResult { return ChunkResult{HasNextPage: true} }},
		{"cursor did not advance", func(in string) ChunkResult { return ChunkResult{HasNextPage: true, NextCursor: strPtr(in)} }},
		{"cursor repeats earlier chunk", func(string) ChunkResult { return ChunkResult{HasNextPage: true, NextCursor: strPtr("c1")} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 5)
			series, _, err := f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
			require.NoError(t, err)

			chunk0 := f.claim(t)
			_, err = f.orch.ChunkSucceeded(ctx, chunk0, ChunkResult{Items: 1, NextCursor: strPtr("c1"), HasNextPage: true})
			require.NoError(t, err)
			chunk1 := f.claim(t)
			_, err = f.orch.ChunkSucceeded(ctx, chunk1, ChunkResult{Items: 1, NextCursor: strPtr("c2"), HasNextPage: true})
			require.NoError(t, err)

			chunk2 := f.claim(t)
			_, err = f.orch.ChunkSucceeded(ctx, chunk2, tc.result(chunk2.CursorValue()))
			require.ErrorIs(t, err, ErrIntegrity)

			failed, err := f.jobs.Get(ctx, chunk2.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, failed.Status)
			assert.True(t, failed.NeedsReview)
			assert.Equal(t, string(models.ErrorClassDataIntegrity), failed.FailureClass)

			s, err := f.series.Get(ctx, series.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SeriesStatusFailed, s.Status)
			assert.True(t, s.NeedsReview)

			active, err := f.jobs.ActiveFor(ctx, f.repoID, models.JobTypeBackfillChunk)
			require.NoError(t, err)
			assert.Nil(t, active)
			assert.Len(t, f.alerts.Recent(), 1)
		})
	}
}

func TestChunkFailed_RetriesInPlaceThenFailsSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	series, _, err := f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
	require.NoError(t, err)

	chunk0 := f.claim(t)
	_, err = f.orch.ChunkSucceeded(ctx, chunk0, ChunkResult{Items: 10, NextCursor: strPtr("c1"), HasNextPage: true})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job := f.claim(t)
		assert.Equal(t, "c1", job.CursorValue())
		outcome, err := f.orch.ChunkFailed(ctx, job, models.ErrorClassTransient, "502 bad gateway", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetrying, outcome)
	}

	job := f.claim(t)
	assert.Equal(t, 2, job.ConsecutiveErrors)
	outcome, err := f.orch.ChunkFailed(ctx, job, models.ErrorClassTransient, "502 bad gateway", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	s, err := f.series.Get(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeriesStatusFailed, s.Status)
	assert.Contains(t, s.FailureReason, "gave up after 3 consecutive errors")
	assert.Len(t, f.alerts.Recent(), 1)
}

func TestApplyFailure_RateLimitedDefersWithoutCountingError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, f.jobs.Enqueue(ctx, &models.CaptureJob{RepositoryID: f.repoID, JobType: models.JobTypeIncrementalSync}))
	job := f.claim(t)

	retryAt := time.Now().UTC().Add(10 * time.Minute)
	outcome, err := f.orch.ApplyFailure(ctx, job, models.ErrorClassRateLimited, "budget exhausted", retryAt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveErrors)
	assert.True(t, stored.NextRunAt.After(retryAt))
}

func TestApplyFailure_PermanentFailsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	require.NoError(t, f.jobs.Enqueue(ctx, &models.CaptureJob{RepositoryID: f.repoID, JobType: models.JobTypeIncrementalSync}))
	job := f.claim(t)

	outcome, err := f.orch.ApplyFailure(ctx, job, models.ErrorClassPermanent, "repository not found", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "repository not found", stored.FailureReason)
}

func TestChunkCancelledCancelsSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	series, _, err := f.orch.StartSeries(ctx, f.repoID, "chunked-v2")
	require.NoError(t, err)
	job := f.claim(t)

	require.NoError(t, f.orch.ChunkCancelled(ctx, job))
	s, err := f.series.Get(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeriesStatusCancelled, s.Status)
}
