package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repocapture/internal/models"
	"repocapture/internal/testutil"
)

func newJob(repoID uint, jobType models.JobType) *models.CaptureJob {
	return &models.CaptureJob{RepositoryID: repoID, JobType: jobType, StrategyVersion: "chunked-v2"}
}

func TestEnqueue_RejectsSecondActiveJob(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))

	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))

	err := jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk))
	assert.ErrorIs(t, err, ErrActiveJobExists)

	// Other job types and repositories are independent.
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeIncrementalSync)))
	require.NoError(t, jobs.Enqueue(ctx, newJob(2, models.JobTypeBackfillChunk)))
}

func TestEnqueue_ConcurrentAtMostOneActive(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- jobs.Enqueue(ctx, newJob(7, models.JobTypeBackfillChunk))
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrActiveJobExists)
	}
	assert.Equal(t, 1, succeeded)

	count, err := jobs.CountActive(ctx, 7, models.JobTypeBackfillChunk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestTerminalTransitionFreesActiveSlot(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))

	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeIncrementalSync)))
	claimed, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	cursor := "c1"
	require.NoError(t, jobs.Complete(ctx, claimed.ID, &cursor, 5))

	stored, err := jobs.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Nil(t, stored.ActiveKey)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 5, stored.ItemsProcessed)
	assert.Equal(t, "c1", stored.CursorValue())

	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeIncrementalSync)))

	// A finished job can not be touched again.
	assert.ErrorIs(t, jobs.Fail(ctx, claimed.ID, models.ErrorClassPermanent, "late", false), ErrLeaseLost)
}

func TestClaimNext_OrdersByReadinessAndSkipsBusyRepositories(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	now := time.Now().UTC()

	first := newJob(1, models.JobTypeBackfillChunk)
	first.NextRunAt = now.Add(-2 * time.Minute)
	second := newJob(1, models.JobTypeIncrementalSync)
	second.NextRunAt = now.Add(-time.Minute)
	future := newJob(2, models.JobTypeBackfillChunk)
	future.NextRunAt = now.Add(time.Hour)
	for _, j := range []*models.CaptureJob{first, second, future} {
		require.NoError(t, jobs.Enqueue(ctx, j))
	}

	got, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Repository 1 is at its concurrency cap and repository 2 is not ready yet.
	got, err = jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = jobs.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func TestClaimNext_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	for repo := uint(1); repo <= 5; repo++ {
		require.NoError(t, jobs.Enqueue(ctx, newJob(repo, models.JobTypeIncrementalSync)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := jobs.ClaimNext(ctx, 1)
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			seen[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestClaimNext_ConcurrentClaimsRespectRepositoryCap(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repos := NewRepoRepository(db)
	jobs := NewCaptureJobRepository(db)
	repo, err := repos.Upsert(ctx, "octo", "hello")
	require.NoError(t, err)
	for _, jt := range []models.JobType{models.JobTypeBackfillChunk, models.JobTypeIncrementalSync, models.JobTypeWebhookReplay} {
		require.NoError(t, jobs.Enqueue(ctx, newJob(repo.ID, jt)))
	}

	var mu sync.Mutex
	claimed := 0
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := jobs.ClaimNext(ctx, 1)
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			claimed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	var running int64
	require.NoError(t, db.Model(&models.CaptureJob{}).
		Where("repository_id = ? AND status = ?", repo.ID, models.JobStatusRunning).
		Count(&running).Error)
	assert.EqualValues(t, 1, running)
}

func TestHasCapacity_CountsCommittedRunningJobs(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	jobs := NewCaptureJobRepository(db)
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeIncrementalSync)))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeWebhookReplay)))

	free, err := hasCapacity(db.WithContext(ctx), 1, 1)
	require.NoError(t, err)
	assert.True(t, free)

	got, err := jobs.ClaimNext(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, got)

	free, err = hasCapacity(db.WithContext(ctx), 1, 1)
	require.NoError(t, err)
	assert.False(t, free, "repository without a row is still capped by its running jobs")
	free, err = hasCapacity(db.WithContext(ctx), 1, 2)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestRetryAndDefer(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))

	job, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, jobs.Retry(ctx, job.ID, models.ErrorClassTransient, "502", later))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.ConsecutiveErrors)
	assert.NotNil(t, stored.ActiveKey)

	// Not ready yet.
	none, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, none)

	jobs.now = func() time.Time { return later.Add(time.Second) }
	job, err = jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, jobs.Defer(ctx, job.ID, later.Add(time.Hour), "budget exhausted"))
	stored, err = jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConsecutiveErrors)
	assert.Equal(t, string(models.ErrorClassRateLimited), stored.FailureClass)
}

func TestRecordProgressResetsConsecutiveErrors(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))
	job, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, jobs.Retry(ctx, job.ID, models.ErrorClassTransient, "timeout", time.Now().UTC()))
	job, err = jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	cursor := "page-2"
	require.NoError(t, jobs.RecordProgress(ctx, job.ID, &cursor, 100))

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ConsecutiveErrors)
	assert.Equal(t, 100, stored.ItemsProcessed)
	assert.Equal(t, "page-2", stored.CursorValue())
}

func TestReapStale_RequeuesExpiredLeases(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))
	job, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err := jobs.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	jobs.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = jobs.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
}

func TestRequestCancelForRepository(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))
	running, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	queued := newJob(1, models.JobTypeIncrementalSync)
	require.NoError(t, jobs.Enqueue(ctx, queued))

	cancelled, flagged, err := jobs.RequestCancelForRepository(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cancelled)
	assert.EqualValues(t, 1, flagged)

	stop, err := jobs.IsCancelRequested(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, stop)

	stored, err := jobs.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	require.NoError(t, jobs.Cancel(ctx, running.ID))
	count, err := jobs.CountActive(ctx, 1, models.JobTypeBackfillChunk)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestFinishedOutcomes_CountsOnlyRollbackClasses(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	since := time.Now().UTC().Add(-time.Minute)

	finish := func(repo uint, fn func(id string) error) {
		require.NoError(t, jobs.Enqueue(ctx, newJob(repo, models.JobTypeIncrementalSync)))
		job, err := jobs.ClaimNext(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, fn(job.ID))
	}
	finish(1, func(id string) error { return jobs.Complete(ctx, id, nil, 1) })
	finish(2, func(id string) error { return jobs.Fail(ctx, id, models.ErrorClassPermanent, "404", false) })
	finish(3, func(id string) error { return jobs.Fail(ctx, id, models.ErrorClassTransient, "exhausted", false) })
	finish(4, func(id string) error { return jobs.Fail(ctx, id, models.ErrorClassDataIntegrity, "cursor loop", true) })

	total, failures, err := jobs.FinishedOutcomes(ctx, "chunked-v2", since)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.EqualValues(t, 2, failures)

	total, _, err = jobs.FinishedOutcomes(ctx, "legacy-v1", since)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}

func TestCompleteChunk_IsAtomic(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))
	job, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)

	cursor := "after-chunk-0"
	next := newJob(1, models.JobTypeBackfillChunk)
	next.Cursor = &cursor
	next.ChunkIndex = 1
	require.NoError(t, jobs.CompleteChunk(ctx, job.ID, &cursor, 100, next))

	active, err := jobs.ActiveFor(ctx, 1, models.JobTypeBackfillChunk)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, next.ID, active.ID)
	assert.Equal(t, "after-chunk-0", active.CursorValue())

	// Completing an already completed job rolls back the successor insert.
	err = jobs.CompleteChunk(ctx, job.ID, &cursor, 0, newJob(1, models.JobTypeIncrementalSync))
	assert.ErrorIs(t, err, ErrLeaseLost)
	count, err := jobs.CountActive(ctx, 1, models.JobTypeIncrementalSync)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestEnqueueOrMergeWebhook(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	runAt := time.Now().UTC()

	first, err := jobs.EnqueueOrMergeWebhook(ctx, 1, []models.EntityRef{{Kind: models.ActivityPullRequest, Number: 4}}, runAt, "chunked-v2")
	require.NoError(t, err)

	merged, err := jobs.EnqueueOrMergeWebhook(ctx, 1, []models.EntityRef{
		{Kind: models.ActivityPullRequest, Number: 4},
		{Kind: models.ActivityIssue, Number: 9},
	}, runAt.Add(time.Minute), "chunked-v2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)

	var refs []models.EntityRef
	require.NoError(t, json.Unmarshal([]byte(merged.Payload), &refs))
	assert.Equal(t, []models.EntityRef{
		{Kind: models.ActivityPullRequest, Number: 4},
		{Kind: models.ActivityIssue, Number: 9},
	}, refs)

	claimed, err := jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = jobs.EnqueueOrMergeWebhook(ctx, 1, []models.EntityRef{{Kind: models.ActivityIssue, Number: 10}}, runAt, "chunked-v2")
	assert.True(t, errors.Is(err, ErrActiveJobExists))
}

func TestCursorUsedInSeries(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	seriesID := "series-1"
	cursor := "abc"
	job := newJob(1, models.JobTypeBackfillChunk)
	job.SeriesID = &seriesID
	job.Cursor = &cursor
	require.NoError(t, jobs.Enqueue(ctx, job))

	used, err := jobs.CursorUsedInSeries(ctx, seriesID, "abc")
	require.NoError(t, err)
	assert.True(t, used)

	used, err = jobs.CursorUsedInSeries(ctx, seriesID, "def")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestList_FiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	jobs := NewCaptureJobRepository(testutil.NewDB(t))
	for repo := uint(1); repo <= 3; repo++ {
		require.NoError(t, jobs.Enqueue(ctx, newJob(repo, models.JobTypeIncrementalSync)))
	}
	require.NoError(t, jobs.Enqueue(ctx, newJob(1, models.JobTypeBackfillChunk)))

	list, total, err := jobs.List(ctx, JobFilter{RepositoryID: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 2)

	list, total, err = jobs.List(ctx, JobFilter{JobType: models.JobTypeIncrementalSync, Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, list, 1)
}
