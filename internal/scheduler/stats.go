package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/models"
)

// Aggregator keeps community stats in line with the records they summarize.
// Stats are always recomputed from scratch, never incremented, so a missed
// update is repaired by the next recompute.
type Aggregator struct {
	messages    MessageStore
	policies    PolicyStore
	communities StatsStore
	dirty       *models.DirtySet
	now         func() time.Time
}

// MarkDirty queues a community for the next Flush. It never blocks on I/O.
func (a *Aggregator) MarkDirty(communityID string) {
	a.dirty.Add(communityID)
}

// Pending returns how many communities await a recompute.
func (a *Aggregator) Pending() int {
	return a.dirty.Len()
}

// Flush recomputes every community marked dirty since the last flush.
// Communities whose recompute failed are marked dirty again.
func (a *Aggregator) Flush(ctx context.Context) error {
	var errs []error
	for _, id := range a.dirty.Drain() {
		if _, err := a.Recompute(ctx, id); err != nil {
			a.dirty.Add(id)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recompute counts tracked messages, deleted messages and active policies of
// a community and stores the result.
func (a *Aggregator) Recompute(ctx context.Context, communityID string) (models.CommunityStats, error) {
	var stats models.CommunityStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.messages.CountByCommunity(gctx, communityID)
		stats.TotalMessagesTracked = n
		return err
	})
	g.Go(func() error {
		n, err := a.messages.CountDeletedByCommunity(gctx, communityID)
		stats.TotalMessagesDeleted = n
		return err
	})
	g.Go(func() error {
		n, err := a.policies.CountActive(gctx, communityID)
		stats.ChannelsWithRules = n
		return err
	})
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("recompute stats of %s: %w", communityID, err)
	}

	if err := a.communities.UpdateStats(ctx, communityID, stats, a.now()); err != nil {
		return stats, fmt.Errorf("store stats of %s: %w", communityID, err)
	}
	logger.Debugf("Stats of %s: tracked=%d deleted=%d channels=%d",
		communityID, stats.TotalMessagesTracked, stats.TotalMessagesDeleted, stats.ChannelsWithRules)
	return stats, nil
}
