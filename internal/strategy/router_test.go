package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"repocapture/internal/alert"
	"repocapture/internal/backoff"
	"repocapture/internal/bootstrap"
	"repocapture/internal/models"
	"repocapture/internal/orchestrator"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
	"repocapture/internal/testutil"
)

const newVersion = "chunked-v2"

type fakeRefresher struct {
	tier  models.Tier
	calls int
}

func (f *fakeRefresher) Refresh(context.Context, *models.Repository) (models.Tier, error) {
	f.calls++
	return f.tier, nil
}

type fixture struct {
	router    *Router
	repos     *repository.RepoRepository
	jobs      *repository.CaptureJobRepository
	series    *repository.SeriesRepository
	orch      *orchestrator.Orchestrator
	rollouts  *rollout.Manager
	refresher *fakeRefresher
}

func newFixture(t *testing.T, percentage int) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	require.NoError(t, bootstrap.MigrateAndSeed(db, bootstrap.RolloutSeed{StrategyVersion: newVersion, Percentage: percentage, ErrorRateThreshold: 0.2}))

	repos := repository.NewRepoRepository(db)
	jobs := repository.NewCaptureJobRepository(db)
	series := repository.NewSeriesRepository(db)
	rec := alert.NewRecorder(5)
	orch := orchestrator.New(db, jobs, series, repos, backoff.NewCalculator(backoff.DefaultPolicy(), nil), rec, nil, zap.NewNop(), 5)
	manager := rollout.NewManager(repository.NewRolloutRepository(db), jobs, rec, nil, zap.NewNop(), rollout.Options{
		NewVersion: newVersion, LegacyVersion: "legacy-v1",
	})
	refresher := &fakeRefresher{tier: models.TierMedium}

	return &fixture{
		router:    NewRouter(repos, jobs, refresher, manager, orch, zap.NewNop()),
		repos:     repos,
		jobs:      jobs,
		series:    series,
		orch:      orch,
		rollouts:  manager,
		refresher: refresher,
	}
}

func (f *fixture) addRepo(t *testing.T, name string, tier models.Tier) *models.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := f.repos.Upsert(ctx, "octo", name)
	require.NoError(t, err)
	require.NoError(t, f.repos.SaveClassification(ctx, &models.RepositoryClassification{
		RepositoryID: repo.ID, Tier: tier, ClassifiedAt: time.Now().UTC(),
	}))
	return repo
}

func TestSelect_SmallTierIsIncrementalRegardlessOfRollout(t *testing.T) {
	ctx := context.Background()
	for _, pct := range []int{0, 100} {
		f := newFixture(t, pct)
		repo := f.addRepo(t, "tiny", models.TierSmall)

		sel, err := f.router.SelectStrategy(ctx, repo.ID)
		require.NoError(t, err)
		assert.Equal(t, StrategyIncrementalSync, sel.Strategy)
		require.Len(t, sel.Plan, 1)
		assert.Equal(t, models.JobTypeIncrementalSync, sel.Plan[0].JobType)
		assert.False(t, sel.Plan[0].Legacy)
	}
}

func TestSelect_LargeTierFollowsRollout(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 100)
	repo := f.addRepo(t, "huge", models.TierExtraLarge)
	sel, err := f.router.SelectStrategy(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyFullBackfill, sel.Strategy)
	assert.Equal(t, newVersion, sel.StrategyVersion)

	f = newFixture(t, 0)
	repo = f.addRepo(t, "huge", models.TierLarge)
	sel, err = f.router.SelectStrategy(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyIncrementalSync, sel.Strategy)
	assert.Equal(t, "legacy-v1", sel.StrategyVersion)
	require.Len(t, sel.Plan, 1)
	assert.True(t, sel.Plan[0].Legacy)
}

func TestSelect_DeterministicAndMonotoneWidening(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	var ids []uint
	for i := 0; i < 40; i++ {
		ids = append(ids, f.addRepo(t, fmt.Sprintf("repo-%d", i), models.TierLarge).ID)
	}

	onNew := make(map[uint]bool)
	for _, pct := range []int{0, 10, 35, 60, 100} {
		require.NoError(t, f.rollouts.SetPercentage(ctx, newVersion, pct, "test"))
		for _, id := range ids {
			first, err := f.router.SelectStrategy(ctx, id)
			require.NoError(t, err)
			again, err := f.router.SelectStrategy(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, first, again)

			if onNew[id] {
				assert.True(t, first.UseNewStrategy, "repository %d moved back to legacy at %d%%", id, pct)
			}
			onNew[id] = first.UseNewStrategy
		}
	}
	for _, id := range ids {
		assert.True(t, onNew[id])
	}
}

func TestSelectAndEnqueue_DoesNotDuplicateActiveWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	repo := f.addRepo(t, "huge", models.TierExtraLarge)

	sel, jobs, err := f.router.SelectAndEnqueue(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyFullBackfill, sel.Strategy)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobTypeBackfillChunk, jobs[0].JobType)
	assert.Nil(t, jobs[0].Cursor)
	assert.NotNil(t, jobs[0].SeriesID)

	_, jobs, err = f.router.SelectAndEnqueue(ctx, repo.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	count, err := f.jobs.CountActive(ctx, repo.ID, models.JobTypeBackfillChunk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSelect_WebhookTrickleAfterInitialCapture(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	repo := f.addRepo(t, "hooked", models.TierLarge)
	require.NoError(t, f.repos.SetWebhookActive(ctx, repo.ID, true))
	require.NoError(t, f.repos.MarkBackfilled(ctx, repo.ID, time.Now().UTC()))

	sel, jobs, err := f.router.SelectAndEnqueue(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyWebhookTrickle, sel.Strategy)
	assert.Empty(t, sel.Plan)
	assert.Empty(t, jobs)
}

func TestSelect_ClassifiesOnDemand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	repo, err := f.repos.Upsert(ctx, "octo", "fresh")
	require.NoError(t, err)

	sel, err := f.router.SelectStrategy(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.calls)
	assert.Equal(t, models.TierMedium, sel.Tier)
}

func TestSelectAndEnqueue_HoldsFailedSeriesUntilRearmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	repo := f.addRepo(t, "huge", models.TierExtraLarge)

	_, jobs, err := f.router.SelectAndEnqueue(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	claimed, err := f.jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A page claiming more data without a cursor aborts the series for review.
	err = f.orch.CheckPage(ctx, claimed, "", orchestrator.ChunkResult{HasNextPage: true})
	require.ErrorIs(t, err, orchestrator.ErrIntegrity)
	failed, err := f.series.Get(ctx, *claimed.SeriesID)
	require.NoError(t, err)
	require.Equal(t, models.SeriesStatusFailed, failed.Status)
	require.True(t, failed.NeedsReview)

	sel, jobs, err := f.router.SelectAndEnqueue(ctx, repo.ID)
	require.NoError(t, err)
	assert.True(t, sel.Held)
	assert.NotEmpty(t, sel.HeldReason)
	assert.Empty(t, sel.Plan)
	assert.Empty(t, jobs)

	list, err := f.series.ListForRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	sel, jobs, err = f.router.Rearm(ctx, repo.ID)
	require.NoError(t, err)
	assert.False(t, sel.Held)
	require.Len(t, jobs, 1)
	assert.NotEqual(t, *claimed.SeriesID, *jobs[0].SeriesID)

	list, err = f.series.ListForRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
