// Package scheduler decides when tracked messages expire and makes sure each
// one is deleted exactly once, even across restarts.
//
// In-memory timers give timely deletion while the process runs. A periodic
// sweep over the database picks up whatever the timers missed, and every
// deletion path goes through the same atomic claim, so timers, sweeps and
// manual deletions can race freely.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/metrics"
	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
	"ephemeral-bot/internal/timers"
)

// restoreLimit caps how many timers are re-armed at startup.
const restoreLimit = 10000

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Messages    MessageStore
	Policies    PolicyStore
	Communities StatsStore
	Gateway     gateway.Deleter

	// Rules resolves policies on the ingestion path. Defaults to Policies;
	// a caching implementation can be plugged in here.
	Rules RuleLookup
	// Metrics defaults to a private registry when nil.
	Metrics *metrics.SchedulerMetrics
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// IncomingMessage is a message observed on the platform.
type IncomingMessage struct {
	MessageID      string
	CommunityID    string
	ChannelID      string
	AuthorID       string
	AuthorUsername string
	AuthorIsBot    bool
	AuthorRoles    []string
	Content        string
	Pinned         bool
	// ReceivedAt is the creation instant of the message; zero means now.
	ReceivedAt time.Time
}

// Status is the observability snapshot of the engine.
type Status struct {
	PendingTimers    int       `json:"pending_timers" yaml:"pending_timers"`
	LastSweepAt      time.Time `json:"last_sweep_at" yaml:"last_sweep_at"`
	LastSweepSeconds float64   `json:"last_sweep_seconds" yaml:"last_sweep_seconds"`
	LastSweepBatch   int       `json:"last_sweep_batch" yaml:"last_sweep_batch"`
	LastSweepRunID   string    `json:"last_sweep_run_id" yaml:"last_sweep_run_id"`
	LastPurgeAt      time.Time `json:"last_purge_at" yaml:"last_purge_at"`
	LastPurgeCount   int64     `json:"last_purge_count" yaml:"last_purge_count"`
	DirtyCommunities int       `json:"dirty_communities" yaml:"dirty_communities"`
}

// Scheduler wires the timer table, executor, sweep, purge and stats jobs.
type Scheduler struct {
	cfg      config.SchedulerConfig
	messages MessageStore
	policies PolicyStore
	rules    RuleLookup
	metrics  *metrics.SchedulerMetrics
	now      func() time.Time

	timers   *timers.Table
	executor *Executor
	sweeper  *Sweeper
	purger   *Purger
	stats    *Aggregator
	jobs     []*Job
}

// New builds a stopped scheduler.
func New(deps Deps, cfg config.SchedulerConfig) *Scheduler {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewSchedulerMetricsWithRegistry(prometheus.NewRegistry())
	}
	rules := deps.Rules
	if rules == nil {
		rules = deps.Policies
	}

	s := &Scheduler{
		cfg:      cfg,
		messages: deps.Messages,
		policies: deps.Policies,
		rules:    rules,
		metrics:  m,
		now:      now,
	}

	s.timers = timers.New(cfg.TimerShards, s.onTimer, timers.WithClock(now))
	m.RegisterPendingTimers(s.timers.Count)

	s.stats = &Aggregator{
		messages:    deps.Messages,
		policies:    deps.Policies,
		communities: deps.Communities,
		dirty:       models.NewDirtySet(),
		now:         now,
	}
	s.executor = &Executor{
		messages: deps.Messages,
		policies: deps.Policies,
		gateway:  deps.Gateway,
		timers:   s.timers,
		stats:    s.stats,
		metrics:  m,
		now:      now,
		timeout:  cfg.GatewayTimeout,
	}
	s.sweeper = &Sweeper{
		messages:    deps.Messages,
		executor:    s.executor,
		limit:       cfg.SweepBatchLimit,
		concurrency: cfg.SweepConcurrency,
		metrics:     m,
		now:         now,
	}
	s.purger = &Purger{
		messages:  deps.Messages,
		retention: cfg.Retention,
		metrics:   m,
		now:       now,
	}

	s.jobs = []*Job{
		NewJob("sweep", cfg.SweepInterval, true, func(ctx context.Context) error {
			_, err := s.sweeper.RunOnce(ctx)
			return err
		}),
		NewJob("purge", cfg.PurgeInterval, false, func(ctx context.Context) error {
			_, err := s.purger.RunOnce(ctx)
			return err
		}),
		NewJob("stats", cfg.StatsInterval, false, s.stats.Flush),
	}
	return s
}

// Start re-arms timers for messages expiring soon and starts the periodic jobs.
// The first sweep runs immediately, which is how deletions missed while the
// process was down get caught up.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.RestoreTimers(ctx); err != nil {
		logger.Warningf("Error restoring timers, relying on sweep: %v", err)
	} else if n > 0 {
		logger.Infof("Restored %d deletion timers", n)
	}
	for _, j := range s.jobs {
		j.Start()
	}
}

// Stop stops the jobs, drops every timer and writes pending stats.
func (s *Scheduler) Stop(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if err := j.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	dropped := s.timers.Reset()
	logger.Infof("Scheduler stopped, dropped %d in-memory timers", dropped)

	if err := s.stats.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RestoreTimers arms timers for pending messages expiring within the restore
// horizon. Messages already due are left to the sweep so a large backlog stays
// bounded by the sweep batch size.
func (s *Scheduler) RestoreTimers(ctx context.Context) (int, error) {
	if s.cfg.RestoreHorizon <= 0 {
		return 0, nil
	}
	now := s.now()
	msgs, err := s.messages.FindPendingBefore(ctx, now.Add(s.cfg.RestoreHorizon), restoreLimit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, m := range msgs {
		if !m.ExpiresAt.After(now) {
			continue
		}
		s.timers.Schedule(m.MessageID, m.ExpiresAt)
		restored++
	}
	return restored, nil
}

// Track starts tracking a message if its channel has an active policy that
// does not exempt it. It returns nil, nil when the message is not tracked,
// including when it was already tracked before.
func (s *Scheduler) Track(ctx context.Context, in IncomingMessage) (*models.TrackedMessage, error) {
	if in.AuthorIsBot || strings.TrimSpace(in.Content) == "" {
		return nil, nil
	}

	policy, err := s.rules.Lookup(ctx, in.CommunityID, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, nil
	}
	if policy.Excludes(in.AuthorID, in.AuthorRoles, in.Pinned) {
		logger.Debugf("Message %s in %s/%s is exempt from expiration", in.MessageID, in.CommunityID, in.ChannelID)
		return nil, nil
	}

	created := in.ReceivedAt
	if created.IsZero() {
		created = s.now()
	}
	msg := &models.TrackedMessage{
		MessageID:      in.MessageID,
		CommunityID:    in.CommunityID,
		ChannelID:      in.ChannelID,
		AuthorID:       in.AuthorID,
		AuthorUsername: in.AuthorUsername,
		Excerpt:        models.Excerpt(in.Content),
		CreatedAt:      created.UTC(),
		ExpiresAt:      created.UTC().Add(policy.Duration()),
		State:          models.StatePending,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			logger.Debugf("Message %s is already tracked", in.MessageID)
			return nil, nil
		}
		return nil, err
	}

	s.timers.Schedule(msg.MessageID, msg.ExpiresAt)

	if err := s.policies.RecordTracked(ctx, msg.CommunityID, msg.ChannelID, created); err != nil {
		logger.Warningf("Error updating tracked counter of %s/%s: %v", msg.CommunityID, msg.ChannelID, err)
	}
	s.stats.MarkDirty(msg.CommunityID)
	s.metrics.RecordTracked()

	logger.Debugf("Tracking message %s in %s/%s until %s", msg.MessageID, msg.CommunityID, msg.ChannelID, msg.ExpiresAt.Format(time.RFC3339))
	return msg, nil
}

// DeleteNow deletes a tracked message ahead of its expiry.
func (s *Scheduler) DeleteNow(ctx context.Context, messageID string, reason models.DeletionReason) (Result, error) {
	return s.executor.Execute(ctx, messageID, reason)
}

// DeleteChannelPending deletes every pending message of a channel with the
// given reason and returns how many this call deleted.
func (s *Scheduler) DeleteChannelPending(ctx context.Context, communityID, channelID string, reason models.DeletionReason) (int, error) {
	deleted := 0
	for {
		batch, err := s.messages.FindPendingByChannel(ctx, communityID, channelID, s.cfg.SweepBatchLimit)
		if err != nil {
			return deleted, err
		}
		if len(batch) == 0 {
			return deleted, nil
		}
		progressed := false
		for _, m := range batch {
			result, err := s.executor.Execute(ctx, m.MessageID, reason)
			if result != ResultStoreFailed {
				progressed = true
			}
			if err != nil {
				logger.Warningf("Error deleting %s from %s/%s: %v", m.MessageID, communityID, channelID, err)
				continue
			}
			if result == ResultDeleted || result == ResultGone {
				deleted++
			}
		}
		if !progressed {
			return deleted, errors.New("no progress deleting channel backlog")
		}
	}
}

// Cancel drops the in-memory timer of a message. The record stays pending and
// is still deleted by the sweep once it expires.
func (s *Scheduler) Cancel(messageID string) bool {
	return s.timers.Cancel(messageID)
}

// SweepOnce runs one reconciliation sweep synchronously.
func (s *Scheduler) SweepOnce(ctx context.Context) (SweepReport, error) {
	return s.sweeper.RunOnce(ctx)
}

// PurgeOnce runs one purge synchronously.
func (s *Scheduler) PurgeOnce(ctx context.Context) (PurgeReport, error) {
	return s.purger.RunOnce(ctx)
}

// FlushStats recomputes every community touched since the last flush.
func (s *Scheduler) FlushStats(ctx context.Context) error {
	return s.stats.Flush(ctx)
}

// RecomputeStats recomputes one community immediately.
func (s *Scheduler) RecomputeStats(ctx context.Context, communityID string) (models.CommunityStats, error) {
	return s.stats.Recompute(ctx, communityID)
}

// PendingTimers returns the number of armed in-memory timers.
func (s *Scheduler) PendingTimers() int {
	return s.timers.Count()
}

// Status returns the current observability snapshot.
func (s *Scheduler) Status() Status {
	sweep := s.sweeper.Last()
	purge := s.purger.Last()
	return Status{
		PendingTimers:    s.timers.Count(),
		LastSweepAt:      sweep.StartedAt,
		LastSweepSeconds: sweep.Duration.Seconds(),
		LastSweepBatch:   sweep.Found,
		LastSweepRunID:   sweep.RunID,
		LastPurgeAt:      purge.RanAt,
		LastPurgeCount:   purge.Removed,
		DirtyCommunities: s.stats.Pending(),
	}
}

func (s *Scheduler) onTimer(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.GatewayTimeout)
	defer cancel()

	result, err := s.executor.Execute(ctx, messageID, models.ReasonExpired)
	if err != nil {
		logger.Warningf("Timer deletion of %s ended with %s: %v", messageID, result, err)
	}
}
