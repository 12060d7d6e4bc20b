package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
)

func TestTrackCreatesRecordAndTimer(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 24)

	msg := e.track("m1", "c1", "ch1", t0)

	assert.True(t, msg.ExpiresAt.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, models.StatePending, msg.State)
	assert.Equal(t, 1, e.sched.PendingTimers())

	stored := e.get("m1")
	assert.True(t, stored.ExpiresAt.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, "hello m1", stored.Excerpt)

	p, err := e.policies.Lookup(context.Background(), "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.MessagesTracked)
}

func TestTrackDefaultsToNow(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)

	msg, err := e.sched.Track(context.Background(), IncomingMessage{
		MessageID: "m1", CommunityID: "c1", ChannelID: "ch1", Content: "hi",
	})
	require.NoError(t, err)
	assert.True(t, msg.ExpiresAt.Equal(t0.Add(time.Hour)))
}

func TestTrackSkips(t *testing.T) {
	e := newEnv(t)
	p := &models.Policy{
		CommunityID:     "c1",
		ChannelID:       "ch1",
		ExpirationHours: 1,
		PreservePinned:  true,
		ExcludeUsers:    []string{"vip"},
		ExcludeRoles:    []string{"mod"},
	}
	require.NoError(t, e.policies.Upsert(context.Background(), p))

	cases := map[string]IncomingMessage{
		"bot":        {MessageID: "a", CommunityID: "c1", ChannelID: "ch1", Content: "x", AuthorIsBot: true},
		"empty":      {MessageID: "b", CommunityID: "c1", ChannelID: "ch1", Content: "   "},
		"no policy":  {MessageID: "c", CommunityID: "c1", ChannelID: "other", Content: "x"},
		"user":       {MessageID: "d", CommunityID: "c1", ChannelID: "ch1", Content: "x", AuthorID: "vip"},
		"role":       {MessageID: "e", CommunityID: "c1", ChannelID: "ch1", Content: "x", AuthorRoles: []string{"mod"}},
		"pinned":     {MessageID: "f", CommunityID: "c1", ChannelID: "ch1", Content: "x", Pinned: true},
		"other comm": {MessageID: "g", CommunityID: "c2", ChannelID: "ch1", Content: "x"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := e.sched.Track(context.Background(), in)
			require.NoError(t, err)
			assert.Nil(t, msg)

			stored, err := e.messages.Get(context.Background(), in.MessageID)
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
	assert.Equal(t, 0, e.sched.PendingTimers())
}

func TestTrackDuplicateIsBenign(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 6)
	e.track("m1", "c1", "ch1", t0)

	again, err := e.sched.Track(context.Background(), IncomingMessage{
		MessageID: "m1", CommunityID: "c1", ChannelID: "ch1", Content: "edited", ReceivedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Nil(t, again)

	stored := e.get("m1")
	assert.True(t, stored.ExpiresAt.Equal(t0.Add(6*time.Hour)), "expiry is immutable")
	assert.Equal(t, 1, e.sched.PendingTimers())

	p, err := e.policies.Lookup(context.Background(), "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.MessagesTracked)
}

// A message tracked under a 1h policy is deleted after a restart once the
// sweep runs past its expiry, even though its timer was lost.
func TestDeletionSurvivesRestart(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)

	e.restart()
	assert.Equal(t, 0, e.sched.PendingTimers())

	e.clock.Set(t0.Add(61 * time.Minute))
	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Deleted)
	assert.NotEmpty(t, report.RunID)

	stored := e.get("m1")
	assert.Equal(t, models.StateDeleted, stored.State)
	assert.Equal(t, models.ReasonExpired, stored.DeletionReason)
	require.NotNil(t, stored.RemovedAt)
	assert.True(t, stored.RemovedAt.Equal(t0.Add(61*time.Minute)))
	assert.Equal(t, 1, e.gw.CallsFor("m1"))

	require.NoError(t, e.sched.FlushStats(context.Background()))
	c, err := e.communities.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.TotalMessagesDeleted)
	assert.Equal(t, int64(1), c.TotalMessagesTracked)
	assert.Equal(t, int64(1), c.ChannelsWithRules)
}

func TestSweepIgnoresFutureMessages(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)

	e.clock.Set(t0.Add(59 * time.Minute))
	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
	assert.Empty(t, e.gw.Calls())
}

func TestConcurrentDeletionCallsGatewayOnce(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.clock.Set(t0.Add(2 * time.Hour))

	var wg sync.WaitGroup
	results := make(chan Result, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := e.sched.DeleteNow(context.Background(), "m1", models.ReasonExpired)
			assert.NoError(t, err)
			results <- r
		}()
		go func() {
			defer wg.Done()
			_, err := e.sched.SweepOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(results)

	assert.Equal(t, 1, e.gw.CallsFor("m1"))
	deleted := 0
	for r := range results {
		if r == ResultDeleted {
			deleted++
		}
	}
	assert.LessOrEqual(t, deleted, 1)

	p, err := e.policies.Lookup(context.Background(), "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.MessagesDeleted)
}

func TestNotFoundCountsAsDeletedOnce(t *testing.T) {
	e := newEnv(t)
	e.gw.outcome = gateway.OutcomeNotFound
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.clock.Set(t0.Add(2 * time.Hour))

	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gone)
	assert.Equal(t, 0, report.Failed)

	report, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)

	stats, err := e.sched.RecomputeStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessagesDeleted)

	p, err := e.policies.Lookup(context.Background(), "c1", "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.MessagesDeleted)
}

func TestGatewayFailureKeepsClaim(t *testing.T) {
	e := newEnv(t)
	e.gw.err = errors.New("forbidden")
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.clock.Set(t0.Add(2 * time.Hour))

	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err, "one failed message never fails the sweep")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, models.StateDeleted, e.get("m1").State)

	report, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Found)
	assert.Equal(t, 1, e.gw.CallsFor("m1"), "failed deletions are not retried")

	result, err := e.sched.DeleteNow(context.Background(), "m1", models.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyDeleted, result)
}

func TestSweepFailureIsolatedPerMessage(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	for i := 0; i < 4; i++ {
		e.track(fmt.Sprintf("m%d", i), "c1", "ch1", t0)
	}
	e.clock.Set(t0.Add(2 * time.Hour))

	var mu sync.Mutex
	e.sched.executor.gateway = gateway.DeleterFunc(func(ctx context.Context, channelID, messageID string) (gateway.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		if messageID == "m1" {
			panic("gateway bug")
		}
		if messageID == "m2" {
			return 0, errors.New("timeout")
		}
		return gateway.OutcomeDeleted, nil
	})

	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Found)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 2, report.Failed)
}

func TestSweepBatchOldestFirst(t *testing.T) {
	e := newEnv(t, func(c *config.SchedulerConfig) {
		c.SweepBatchLimit = 2
		c.SweepConcurrency = 1
	})
	e.policy("c1", "ch1", 1)
	for i := 5; i >= 1; i-- {
		e.track(fmt.Sprintf("m%d", i), "c1", "ch1", t0.Add(time.Duration(i)*time.Minute))
	}
	e.clock.Set(t0.Add(3 * time.Hour))

	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Found)
	assert.Equal(t, []string{"m1", "m2"}, e.gw.Calls())

	_, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	_, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, e.gw.Calls())

	assert.Equal(t, 1, e.sched.Status().LastSweepBatch)
}

func TestSweepStoreFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, storage.Close(e.db))

	_, err := e.sched.SweepOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, 1.0, counterWithLabel(t, e, "ephemeral_sweep_runs_total", "error"))
}

// claimFailingStore loses its database connection on every claim.
type claimFailingStore struct {
	MessageStore
	claims atomic.Int32
}

func (s *claimFailingStore) ClaimForDeletion(ctx context.Context, messageID string, reason models.DeletionReason, at time.Time) (bool, error) {
	s.claims.Add(1)
	return false, fmt.Errorf("claim %s: %w", messageID, storage.ErrStoreUnavailable)
}

func TestSweepAbortsWhenClaimFails(t *testing.T) {
	e := newEnv(t, func(c *config.SchedulerConfig) {
		c.SweepConcurrency = 1
	})
	e.policy("c1", "ch1", 1)
	for i := 0; i < 5; i++ {
		e.track(fmt.Sprintf("m%d", i), "c1", "ch1", t0)
	}
	e.clock.Set(t0.Add(2 * time.Hour))

	store := &claimFailingStore{MessageStore: e.messages}
	e.sched.executor.messages = store

	report, err := e.sched.SweepOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, 5, report.Found)
	assert.Equal(t, int32(1), store.claims.Load(), "the rest of the batch is left to the next run")
	assert.Zero(t, report.Failed)
	assert.Empty(t, e.gw.Calls())
	assert.Equal(t, 1.0, counterWithLabel(t, e, "ephemeral_sweep_runs_total", "error"))

	for i := 0; i < 5; i++ {
		assert.Equal(t, models.StatePending, e.get(fmt.Sprintf("m%d", i)).State)
	}

	// the database is back, the next period catches up
	e.sched.executor.messages = e.messages
	report, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Deleted)
}

// stuckPolicies never answers the deleted-counter update.
type stuckPolicies struct {
	PolicyStore
}

func (stuckPolicies) RecordDeleted(ctx context.Context, communityID, channelID string, at time.Time) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecuteBoundsCounterUpdate(t *testing.T) {
	e := newEnv(t, func(c *config.SchedulerConfig) {
		c.GatewayTimeout = 50 * time.Millisecond
	})
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.sched.executor.policies = stuckPolicies{PolicyStore: e.policies}

	done := make(chan Result, 1)
	go func() {
		result, _ := e.sched.DeleteNow(context.Background(), "m1", models.ReasonManual)
		done <- result
	}()

	select {
	case result := <-done:
		assert.Equal(t, ResultDeleted, result)
	case <-time.After(5 * time.Second):
		t.Fatal("deletion blocked on the counter update")
	}
	assert.Equal(t, models.StateDeleted, e.get("m1").State)
}

func TestTimerDeletesAtExpiry(t *testing.T) {
	e := newEnv(t)
	e.sched = New(Deps{
		Messages:    e.messages,
		Policies:    e.policies,
		Communities: e.communities,
		Gateway:     e.gw,
	}, e.cfg)
	e.policy("c1", "ch1", 1)

	// received just under an hour ago, so it expires in about 100ms
	e.track("m1", "c1", "ch1", time.Now().UTC().Add(-time.Hour+100*time.Millisecond))
	assert.Equal(t, 1, e.sched.PendingTimers())

	require.Eventually(t, func() bool { return e.gw.CallsFor("m1") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		m, err := e.messages.Get(context.Background(), "m1")
		return err == nil && m != nil && m.IsDeleted()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.sched.PendingTimers())
}

func TestAlreadyExpiredMessageDeletedImmediately(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)

	e.track("m1", "c1", "ch1", t0.Add(-2*time.Hour))

	require.Eventually(t, func() bool { return e.gw.CallsFor("m1") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.sched.PendingTimers())
}

func TestDeleteNowManual(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 24)
	e.track("m1", "c1", "ch1", t0)
	require.Equal(t, 1, e.sched.PendingTimers())

	result, err := e.sched.DeleteNow(context.Background(), "m1", models.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, ResultDeleted, result)
	assert.Equal(t, 0, e.sched.PendingTimers())
	assert.Equal(t, models.ReasonManual, e.get("m1").DeletionReason)

	result, err = e.sched.DeleteNow(context.Background(), "unknown", models.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, ResultNotTracked, result)
}

func TestCancelKeepsRecordPending(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)

	assert.True(t, e.sched.Cancel("m1"))
	assert.False(t, e.sched.Cancel("m1"))
	assert.Equal(t, models.StatePending, e.get("m1").State)

	e.clock.Set(t0.Add(90 * time.Minute))
	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
}

func TestDeleteChannelPending(t *testing.T) {
	e := newEnv(t, func(c *config.SchedulerConfig) { c.SweepBatchLimit = 2 })
	e.policy("c1", "ch1", 24)
	e.policy("c1", "ch2", 24)
	for i := 0; i < 3; i++ {
		e.track(fmt.Sprintf("a%d", i), "c1", "ch1", t0)
	}
	e.track("b0", "c1", "ch2", t0)

	n, err := e.sched.DeleteChannelPending(context.Background(), "c1", "ch1", models.ReasonRuleRemoved)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, models.ReasonRuleRemoved, e.get("a2").DeletionReason)
	assert.Equal(t, models.StatePending, e.get("b0").State)
	assert.Equal(t, 1, e.sched.PendingTimers())
}

func TestPurgeRemovesOldDeletedRecords(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("old", "c1", "ch1", t0)
	e.track("fresh", "c1", "ch1", t0.Add(10*24*time.Hour))
	e.track("pending", "c1", "ch1", t0.Add(60*24*time.Hour))

	e.clock.Set(t0.Add(2 * time.Hour))
	_, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	e.clock.Set(t0.Add(11 * 24 * time.Hour))
	_, err = e.sched.SweepOnce(context.Background())
	require.NoError(t, err)

	e.clock.Set(t0.Add(35 * 24 * time.Hour))
	report, err := e.sched.PurgeOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Removed)
	assert.True(t, report.Cutoff.Equal(t0.Add(5*24*time.Hour)))
	assert.Equal(t, int64(1), e.sched.Status().LastPurgeCount)

	gone, err := e.messages.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Nil(t, gone)
	e.get("fresh")
	e.get("pending")
}

func TestRestoreTimers(t *testing.T) {
	e := newEnv(t, func(c *config.SchedulerConfig) { c.RestoreHorizon = time.Hour })
	e.policy("c1", "ch1", 1)
	e.policy("c1", "ch2", 6)

	e.track("overdue", "c1", "ch1", t0.Add(-90*time.Minute))
	require.Eventually(t, func() bool { return e.gw.CallsFor("overdue") == 1 }, 3*time.Second, 10*time.Millisecond)
	e.track("soon", "c1", "ch1", t0.Add(-30*time.Minute))
	e.track("later", "c1", "ch2", t0)

	e.restart()
	n, err := e.sched.RestoreTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.sched.timers.Has("soon"))
	assert.False(t, e.sched.timers.Has("later"))
}

func TestRestoreTimersDisabled(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.restart()

	n, err := e.sched.RestoreTimers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartRunsCatchUpSweep(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.restart()
	e.clock.Set(t0.Add(2 * time.Hour))

	e.sched.Start(context.Background())
	require.Eventually(t, func() bool { return e.gw.CallsFor("m1") == 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.sched.Stop(ctx))

	status := e.sched.Status()
	assert.Equal(t, 1, status.LastSweepBatch)
	assert.NotEmpty(t, status.LastSweepRunID)
	assert.Equal(t, 0, status.DirtyCommunities, "stop flushes stats")

	c, err := e.communities.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.TotalMessagesDeleted)
}

func TestPolicyDeactivationDoesNotRescueTrackedMessages(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)

	_, err := e.policies.Deactivate(context.Background(), "c1", "ch1")
	require.NoError(t, err)

	e.clock.Set(t0.Add(2 * time.Hour))
	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
}

func TestPolicyChangeKeepsTrackedExpiry(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	expiry := e.get("m1").ExpiresAt
	assert.True(t, expiry.Equal(t0.Add(time.Hour)))

	e.policy("c1", "ch1", 168)
	assert.True(t, e.get("m1").ExpiresAt.Equal(expiry), "a new rule applies to new messages only")

	e.restart()
	e.clock.Set(t0.Add(61 * time.Minute))
	report, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, models.StateDeleted, e.get("m1").State)
}

func TestMetricsAfterSweep(t *testing.T) {
	e := newEnv(t)
	e.policy("c1", "ch1", 1)
	e.track("m1", "c1", "ch1", t0)
	e.track("m2", "c1", "ch1", t0)
	assert.Equal(t, 2.0, gaugeValue(t, e, "ephemeral_scheduler_pending_timers"))

	e.clock.Set(t0.Add(2 * time.Hour))
	_, err := e.sched.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, gaugeValue(t, e, "ephemeral_sweep_last_batch_size"))
	assert.Equal(t, 2.0, counterWithLabel(t, e, "ephemeral_executor_deletions_total", "deleted"))
	assert.Equal(t, 0.0, gaugeValue(t, e, "ephemeral_scheduler_pending_timers"))
}

func gaugeValue(t *testing.T, e *env, name string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func counterWithLabel(t *testing.T, e *env, name, label string) float64 {
	t.Helper()
	families, err := e.reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}
