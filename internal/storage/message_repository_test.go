package storage_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
	"ephemeral-bot/internal/testutil"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func newMessage(id string, expires time.Time) *models.TrackedMessage {
	return &models.TrackedMessage{
		MessageID:   id,
		CommunityID: "c1",
		ChannelID:   "ch1",
		AuthorID:    "u1",
		Excerpt:     "hello",
		CreatedAt:   expires.Add(-time.Hour),
		ExpiresAt:   expires,
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newMessage("m1", base)))
	err := repo.Create(ctx, newMessage("m1", base.Add(time.Hour)))
	assert.ErrorIs(t, err, storage.ErrDuplicateMessage)

	got, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.ExpiresAt.Equal(base), "expiry must not change on duplicate create")
	assert.Equal(t, models.StatePending, got.State)
}

func TestGetMissingIsNil(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	got, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindDueOrderAndLimit(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()

	// inserted out of order on purpose
	offsets := []int{5, 1, 4, 2, 3}
	for _, off := range offsets {
		m := newMessage(fmt.Sprintf("m%d", off), base.Add(-time.Duration(off)*time.Minute))
		require.NoError(t, repo.Create(ctx, m))
	}
	require.NoError(t, repo.Create(ctx, newMessage("future", base.Add(time.Minute))))

	due, err := repo.FindDue(ctx, base, 3)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{"m5", "m4", "m3"}, []string{due[0].MessageID, due[1].MessageID, due[2].MessageID})

	all, err := repo.FindDue(ctx, base, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for _, m := range all {
		assert.NotEqual(t, "future", m.MessageID)
	}
}

func TestFindDueIncludesExactExpiry(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newMessage("edge", base)))

	due, err := repo.FindDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestClaimForDeletionOnce(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newMessage("m1", base)))

	claimed, err := repo.ClaimForDeletion(ctx, "m1", models.ReasonExpired, base)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimForDeletion(ctx, "m1", models.ReasonManual, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDeleted, got.State)
	assert.Equal(t, models.ReasonExpired, got.DeletionReason)
	require.NotNil(t, got.RemovedAt)
	assert.True(t, got.RemovedAt.Equal(base))

	due, err := repo.FindDue(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestClaimForDeletionUnknownMessage(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	claimed, err := repo.ClaimForDeletion(context.Background(), "ghost", models.ReasonExpired, base)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimForDeletionConcurrent(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newMessage("race", base)))

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimForDeletion(ctx, "race", models.ReasonExpired, base)
			assert.NoError(t, err)
			if claimed {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestPurgeDeletedBefore(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()

	for _, id := range []string{"old", "recent", "pending"} {
		require.NoError(t, repo.Create(ctx, newMessage(id, base.Add(-40*24*time.Hour))))
	}
	_, err := repo.ClaimForDeletion(ctx, "old", models.ReasonExpired, base.Add(-31*24*time.Hour))
	require.NoError(t, err)
	_, err = repo.ClaimForDeletion(ctx, "recent", models.ReasonExpired, base.Add(-29*24*time.Hour))
	require.NoError(t, err)

	purged, err := repo.PurgeDeletedBefore(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	gone, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	for _, id := range []string{"recent", "pending"} {
		kept, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, kept, id)
	}
}

func TestCounts(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newMessage("a", base)))
	require.NoError(t, repo.Create(ctx, newMessage("b", base.Add(time.Hour))))
	other := newMessage("c", base)
	other.CommunityID = "c2"
	require.NoError(t, repo.Create(ctx, other))
	_, err := repo.ClaimForDeletion(ctx, "a", models.ReasonExpired, base)
	require.NoError(t, err)

	total, err := repo.CountByCommunity(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	deleted, err := repo.CountDeletedByCommunity(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	byState, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byState[models.StatePending])
	assert.Equal(t, int64(1), byState[models.StateDeleted])

	overdue, err := repo.CountOverdue(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overdue)
}

func TestFindPendingQueries(t *testing.T) {
	repo := storage.NewMessageRepository(testutil.OpenDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newMessage("soon", base.Add(10*time.Minute))))
	require.NoError(t, repo.Create(ctx, newMessage("later", base.Add(3*time.Hour))))
	elsewhere := newMessage("elsewhere", base.Add(5*time.Minute))
	elsewhere.ChannelID = "ch2"
	require.NoError(t, repo.Create(ctx, elsewhere))

	before, err := repo.FindPendingBefore(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "elsewhere", before[0].MessageID)
	assert.Equal(t, "soon", before[1].MessageID)

	inChannel, err := repo.FindPendingByChannel(ctx, "c1", "ch1", 10)
	require.NoError(t, err)
	require.Len(t, inChannel, 2)
	assert.Equal(t, "soon", inChannel[0].MessageID)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := storage.NewMessageRepository(db)
	require.NoError(t, storage.Close(db))

	_, err := repo.FindDue(context.Background(), base, 10)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)

	_, err = repo.ClaimForDeletion(context.Background(), "m1", models.ReasonExpired, base)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
