package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
	"ephemeral-bot/internal/testutil"
)

func TestPolicyUpsertSupersedes(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	ctx := context.Background()

	first := &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 24, PreservePinned: true}
	require.NoError(t, repo.Upsert(ctx, first))
	require.NotZero(t, first.ID)

	second := &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 1, ExcludeUsers: []string{"u9"}}
	require.NoError(t, repo.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID, "upsert must reuse the row")

	got, err := repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ExpirationHours)
	assert.False(t, got.PreservePinned)
	assert.Equal(t, []string{"u9"}, got.ExcludeUsers)

	count, err := repo.CountActive(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPolicyUpsertReplacesCreationMetadata(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	ctx := context.Background()
	firstAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	secondAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, &models.Policy{
		CreatedAt: firstAt, CommunityID: "c1", ChannelID: "ch1", CreatedBy: "alice", ExpirationHours: 24,
	}))
	require.NoError(t, repo.RecordTracked(ctx, "c1", "ch1", firstAt))

	second := &models.Policy{
		CreatedAt: secondAt, CommunityID: "c1", ChannelID: "ch1", CreatedBy: "bob", ExpirationHours: 1,
	}
	require.NoError(t, repo.Upsert(ctx, second))

	got, err := repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(secondAt), "created_at = %v", got.CreatedAt)
	assert.Equal(t, "bob", got.CreatedBy)
	assert.Equal(t, int64(1), got.MessagesTracked, "counters survive a superseding rule")
}

func TestPolicyLookupMiss(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	got, err := repo.Lookup(context.Background(), "c1", "none")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPolicyDeactivateAndReactivate(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 6}))

	ok, err := repo.Deactivate(ctx, "c1", "ch1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Deactivate(ctx, "c1", "ch1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	assert.Nil(t, got)

	inactive, err := repo.Get(ctx, "c1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, inactive)
	assert.False(t, inactive.IsActive)

	require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 24}))
	got, err = repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 24, got.ExpirationHours)
}

func TestPolicyCounters(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 1}))
	require.NoError(t, repo.RecordTracked(ctx, "c1", "ch1", at))
	require.NoError(t, repo.RecordTracked(ctx, "c1", "ch1", at))
	require.NoError(t, repo.RecordDeleted(ctx, "c1", "ch1", at.Add(time.Hour)))

	got, err := repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MessagesTracked)
	assert.Equal(t, int64(1), got.MessagesDeleted)
	require.NotNil(t, got.LastActivity)
	assert.True(t, got.LastActivity.Equal(at.Add(time.Hour)))

	// counters survive a reconfiguration
	require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 6}))
	got, err = repo.Lookup(ctx, "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MessagesTracked)
}

func TestPolicyListActive(t *testing.T) {
	repo := storage.NewPolicyRepository(testutil.OpenDB(t))
	ctx := context.Background()

	for _, ch := range []string{"b", "a", "c"} {
		require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: ch, ExpirationHours: 1}))
	}
	_, err := repo.Deactivate(ctx, "c1", "c")
	require.NoError(t, err)

	list, err := repo.ListActive(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ChannelID)
	assert.Equal(t, "b", list[1].ChannelID)
}

func TestCommunityStatsUpsert(t *testing.T) {
	repo := storage.NewCommunityRepository(testutil.OpenDB(t))
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	stats := models.CommunityStats{TotalMessagesTracked: 5, TotalMessagesDeleted: 2, ChannelsWithRules: 1}
	require.NoError(t, repo.UpdateStats(ctx, "c1", stats, at))

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stats, got.Stats())
	assert.Equal(t, models.TierFree, got.Tier)

	require.NoError(t, repo.CreateOrUpdate(ctx, &models.Community{CommunityID: "c1", Name: "Lounge", Tier: models.TierPremium}))
	stats.TotalMessagesDeleted = 3
	require.NoError(t, repo.UpdateStats(ctx, "c1", stats, at.Add(time.Minute)))

	got, err = repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Lounge", got.Name)
	assert.Equal(t, models.TierPremium, got.Tier)
	assert.Equal(t, int64(3), got.TotalMessagesDeleted)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestResetRecreatesTables(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := storage.NewPolicyRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &models.Policy{CommunityID: "c1", ChannelID: "ch1", ExpirationHours: 1}))

	require.NoError(t, storage.Reset(db))

	count, err := repo.CountActive(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
