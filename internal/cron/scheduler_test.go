package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"repocapture/internal/models"
	"repocapture/internal/repository"
	"repocapture/internal/rollout"
	"repocapture/internal/strategy"
	"repocapture/internal/testutil"
)

type fakePlanner struct{ ids []uint }

func (f *fakePlanner) SelectAndEnqueue(_ context.Context, id uint) (*strategy.Selection, []*models.CaptureJob, error) {
	f.ids = append(f.ids, id)
	return &strategy.Selection{RepositoryID: id}, []*models.CaptureJob{{RepositoryID: id}}, nil
}

type fakeRefresher struct{ ids []uint }

func (f *fakeRefresher) Refresh(_ context.Context, repo *models.Repository) (models.Tier, error) {
	f.ids = append(f.ids, repo.ID)
	return models.TierSmall, nil
}

type fakeChecker struct{ results []rollout.RollbackResult }

func (f *fakeChecker) CheckRollback(context.Context) ([]rollout.RollbackResult, error) {
	return f.results, nil
}

type fakeFlusher struct{ calls int }

func (f *fakeFlusher) FlushBatched(context.Context) (int, error) {
	f.calls++
	return 0, nil
}

type fixture struct {
	s          *Scheduler
	db         *gorm.DB
	repos      *repository.RepoRepository
	jobs       *repository.CaptureJobRepository
	deliveries *repository.WebhookRepository
	planner    *fakePlanner
	refresher  *fakeRefresher
	checker    *fakeChecker
	flusher    *fakeFlusher
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		db:         db,
		repos:      repository.NewRepoRepository(db),
		jobs:       repository.NewCaptureJobRepository(db),
		deliveries: repository.NewWebhookRepository(db),
		planner:    &fakePlanner{},
		refresher:  &fakeRefresher{},
		checker:    &fakeChecker{},
		flusher:    &fakeFlusher{},
		logs:       logs,
	}
	f.s = New(f.repos, f.jobs, f.deliveries, f.planner, f.refresher, f.checker, f.flusher, Options{
		SyncInterval: time.Hour,
		LeaseTimeout: 10 * time.Minute,
		RetainFor:    24 * time.Hour,
	}, zap.New(core))
	return f
}

func (f *fixture) track(t *testing.T, name string) *models.Repository {
	t.Helper()
	repo, err := f.repos.Upsert(context.Background(), "octo", name)
	require.NoError(t, err)
	return repo
}

func TestSyncDue_SkipsRecentlySynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	never := f.track(t, "never")
	recent := f.track(t, "recent")
	stale := f.track(t, "stale")
	untracked := f.track(t, "gone")
	require.NoError(t, f.repos.MarkSynced(ctx, recent.ID, time.Now().UTC().Add(-10*time.Minute)))
	require.NoError(t, f.repos.MarkSynced(ctx, stale.ID, time.Now().UTC().Add(-2*time.Hour)))
	require.NoError(t, f.repos.SetTracked(ctx, untracked.ID, false))

	f.s.syncDue(ctx)

	assert.Equal(t, []uint{never.ID, stale.ID}, f.planner.ids)
}

func TestReclassify_RefreshesUnclassified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fresh := f.track(t, "fresh")
	missing := f.track(t, "missing")
	require.NoError(t, f.repos.SaveClassification(ctx, &models.RepositoryClassification{
		RepositoryID: fresh.ID, Tier: models.TierLarge, ClassifiedAt: time.Now().UTC(),
	}))

	f.s.reclassify(ctx)
	assert.Equal(t, []uint{missing.ID}, f.refresher.ids)

	f.s.refresher = nil
	f.s.reclassify(ctx)
	assert.Len(t, f.refresher.ids, 1)
}

func TestReapStale_RequeuesExpiredLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := f.track(t, "hello")
	job := &models.CaptureJob{RepositoryID: repo.ID, JobType: models.JobTypeIncrementalSync, StrategyVersion: "chunked-v2"}
	require.NoError(t, f.jobs.Enqueue(ctx, job))
	claimed, err := f.jobs.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.s.reapStale(ctx)
	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	require.NoError(t, f.db.Model(&models.CaptureJob{}).Where("id = ?", job.ID).
		Update("updated_at", time.Now().UTC().Add(-time.Hour)).Error)
	f.s.reapStale(ctx)

	got, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, f.logs.FilterMessage("Requeued jobs with expired lease").Len())
}

func TestPurgeDeliveries_KeepsPendingAndRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := f.track(t, "hello")
	old := time.Now().UTC().Add(-48 * time.Hour)

	rows := []*models.WebhookDelivery{
		{IdempotencyKey: "a", RepositoryID: repo.ID, Lane: models.LaneFast, Status: models.DeliveryDispatched, ReceivedAt: old},
		{IdempotencyKey: "b", RepositoryID: repo.ID, Lane: models.LaneFast, Status: models.DeliveryPending, ReceivedAt: old},
		{IdempotencyKey: "c", RepositoryID: repo.ID, Lane: models.LaneBatched, Status: models.DeliveryIgnored, ReceivedAt: time.Now().UTC()},
	}
	for _, d := range rows {
		inserted, err := f.deliveries.Record(ctx, d)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	f.s.purgeDeliveries(ctx)

	var keys []string
	require.NoError(t, f.db.Model(&models.WebhookDelivery{}).Order("idempotency_key").Pluck("idempotency_key", &keys).Error)
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestCheckRollbackAndFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checker.results = []rollout.RollbackResult{
		{StrategyVersion: "chunked-v2", ErrorRate: 0.5, Sample: 20, RolledBack: true},
		{StrategyVersion: "legacy-v1", ErrorRate: 0.01, Sample: 20},
	}

	f.s.checkRollback(ctx)
	f.s.flushBatched(ctx)

	assert.Equal(t, 1, f.logs.FilterMessage("Strategy version rolled back").Len())
	assert.Equal(t, 1, f.flusher.calls)
}

func TestRun_RecoversFromPanic(t *testing.T) {
	f := newFixture(t)

	assert.NotPanics(t, func() {
		f.s.run("boom", func(context.Context) { panic("kaboom") })
	})
	entries := f.logs.FilterMessage("Cron job panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["job"])
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Start())
	assert.Len(t, f.s.cron.Entries(), 6)
	<-f.s.Stop().Done()
}
