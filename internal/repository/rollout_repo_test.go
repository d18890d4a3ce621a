package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repocapture/internal/bootstrap"
	"repocapture/internal/testutil"
)

func TestForceRollback_IsOneWayUntilOperatorResets(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	require.NoError(t, bootstrap.MigrateAndSeed(db, bootstrap.RolloutSeed{StrategyVersion: "chunked-v2", Percentage: 50, ErrorRateThreshold: 0.2}))
	rollouts := NewRolloutRepository(db)

	changed, err := rollouts.ForceRollback(ctx, "chunked-v2", 0.5, 20)
	require.NoError(t, err)
	assert.True(t, changed)

	cfg, err := rollouts.Get(ctx, "chunked-v2")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Percentage)
	assert.True(t, cfg.RolledBack)
	assert.InDelta(t, 0.5, cfg.ObservedErrorRate, 1e-9)

	changed, err = rollouts.ForceRollback(ctx, "chunked-v2", 0.6, 25)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, rollouts.SetPercentage(ctx, "chunked-v2", 10, "ops"))
	cfg, err = rollouts.Get(ctx, "chunked-v2")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Percentage)
	assert.False(t, cfg.RolledBack)

	assert.ErrorIs(t, rollouts.SetPercentage(ctx, "missing", 10, "ops"), ErrRolloutNotFound)
}

func TestMigrateAndSeed_KeepsOperatorValues(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	seed := bootstrap.RolloutSeed{StrategyVersion: "chunked-v2", Percentage: 0, ErrorRateThreshold: 0.2}
	require.NoError(t, bootstrap.MigrateAndSeed(db, seed))

	rollouts := NewRolloutRepository(db)
	require.NoError(t, rollouts.SetPercentage(ctx, "chunked-v2", 40, "ops"))
	require.NoError(t, bootstrap.MigrateAndSeed(db, seed))

	cfg, err := rollouts.Get(ctx, "chunked-v2")
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Percentage)
}
