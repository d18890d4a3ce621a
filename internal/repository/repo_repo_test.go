package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repocapture/internal/models"
	"repocapture/internal/testutil"
)

func TestRepoUpsert_RetracksExisting(t *testing.T) {
	ctx := context.Background()
	repos := NewRepoRepository(testutil.NewDB(t))

	repo, err := repos.Upsert(ctx, "octo", "hello")
	require.NoError(t, err)
	require.NoError(t, repos.SetTracked(ctx, repo.ID, false))

	tracked, err := repos.ListTracked(ctx)
	require.NoError(t, err)
	assert.Empty(t, tracked)

	again, err := repos.Upsert(ctx, "octo", "hello")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)
	assert.True(t, again.Tracked)
}

func TestClassificationUpsertAndStaleness(t *testing.T) {
	ctx := context.Background()
	repos := NewRepoRepository(testutil.NewDB(t))
	a, err := repos.Upsert(ctx, "octo", "a")
	require.NoError(t, err)
	b, err := repos.Upsert(ctx, "octo", "b")
	require.NoError(t, err)

	stars := 10
	now := time.Now().UTC()
	require.NoError(t, repos.SaveClassification(ctx, &models.RepositoryClassification{
		RepositoryID: a.ID, Tier: models.TierSmall, Stars: &stars, ClassifiedAt: now,
	}))
	stars = 90000
	require.NoError(t, repos.SaveClassification(ctx, &models.RepositoryClassification{
		RepositoryID: a.ID, Tier: models.TierExtraLarge, Stars: &stars, ClassifiedAt: now,
	}))

	c, err := repos.Classification(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.TierExtraLarge, c.Tier)
	assert.Equal(t, 90000, *c.Stars)

	stale, err := repos.ListStaleClassifications(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, b.ID, stale[0].ID)
}

func TestActivityUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	activity := NewActivityRepository(testutil.NewDB(t))
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	page := []models.ActivityItem{
		{RepositoryID: 1, Kind: models.ActivityPullRequest, ExternalID: "PR_1", Number: 1, State: "open", OccurredAt: at, CapturedAt: at},
		{RepositoryID: 1, Kind: models.ActivityStar, ExternalID: "alice", Actor: "alice", OccurredAt: at, CapturedAt: at},
	}
	require.NoError(t, activity.UpsertItems(ctx, page))

	replay := []models.ActivityItem{
		{RepositoryID: 1, Kind: models.ActivityPullRequest, ExternalID: "PR_1", Number: 1, State: "merged", OccurredAt: at, CapturedAt: at},
		{RepositoryID: 1, Kind: models.ActivityStar, ExternalID: "alice", Actor: "alice", OccurredAt: at, CapturedAt: at},
	}
	require.NoError(t, activity.UpsertItems(ctx, replay))

	total, err := activity.Count(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	counts, err := activity.CountByRepository(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.ActivityPullRequest])
	assert.EqualValues(t, 1, counts[models.ActivityStar])
}
