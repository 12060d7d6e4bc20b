package scheduler

import (
	"context"
	"time"

	"ephemeral-bot/internal/models"
)

// MessageStore is the tracked-message persistence used by the engine.
// *storage.MessageRepository satisfies it.
type MessageStore interface {
	Create(ctx context.Context, m *models.TrackedMessage) error
	Get(ctx context.Context, messageID string) (*models.TrackedMessage, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.TrackedMessage, error)
	FindPendingBefore(ctx context.Context, t time.Time, limit int) ([]models.TrackedMessage, error)
	FindPendingByChannel(ctx context.Context, communityID, channelID string, limit int) ([]models.TrackedMessage, error)
	ClaimForDeletion(ctx context.Context, messageID string, reason models.DeletionReason, at time.Time) (bool, error)
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByCommunity(ctx context.Context, communityID string) (int64, error)
	CountDeletedByCommunity(ctx context.Context, communityID string) (int64, error)
}

// RuleLookup resolves the active policy of a channel, nil when there is none.
type RuleLookup interface {
	Lookup(ctx context.Context, communityID, channelID string) (*models.Policy, error)
}

// PolicyStore is the rule persistence used by the engine.
// *storage.PolicyRepository satisfies it.
type PolicyStore interface {
	RuleLookup
	CountActive(ctx context.Context, communityID string) (int64, error)
	RecordTracked(ctx context.Context, communityID, channelID string, at time.Time) error
	RecordDeleted(ctx context.Context, communityID, channelID string, at time.Time) error
}

// StatsStore persists recomputed community stats.
// *storage.CommunityRepository satisfies it.
type StatsStore interface {
	UpdateStats(ctx context.Context, communityID string, stats models.CommunityStats, at time.Time) error
}
