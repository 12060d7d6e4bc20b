package scheduler

import (
	"context"
	"time"

	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/metrics"
	"ephemeral-bot/internal/models"
)

// Result describes what one Execute call did.
type Result int

const (
	// ResultDeleted means this call won the claim and the platform removed the message.
	ResultDeleted Result = iota
	// ResultGone means this call won the claim and the message was already gone.
	ResultGone
	// ResultAlreadyDeleted means another caller claimed the message first.
	ResultAlreadyDeleted
	// ResultNotTracked means no record exists for the identity.
	ResultNotTracked
	// ResultGatewayFailed means the claim was won but the delete call failed.
	// The record stays deleted and the call is not retried.
	ResultGatewayFailed
	// ResultStoreFailed means the store could not be read or updated; nothing changed.
	ResultStoreFailed
)

func (r Result) String() string {
	switch r {
	case ResultDeleted:
		return "deleted"
	case ResultGone:
		return "gone"
	case ResultAlreadyDeleted:
		return "already_deleted"
	case ResultNotTracked:
		return "not_tracked"
	case ResultGatewayFailed:
		return "gateway_failed"
	case ResultStoreFailed:
		return "store_failed"
	}
	return "unknown"
}

type timerCanceler interface {
	Cancel(messageID string) bool
}

type dirtyMarker interface {
	MarkDirty(communityID string)
}

// Executor performs the claim-then-delete sequence for one message.
type Executor struct {
	messages MessageStore
	policies PolicyStore
	gateway  gateway.Deleter
	timers   timerCanceler
	stats    dirtyMarker
	metrics  *metrics.SchedulerMetrics
	now      func() time.Time
	timeout  time.Duration
}

// Execute deletes messageID at most once across every caller and process.
// Only the caller that wins ClaimForDeletion reaches the gateway; losing the
// claim is a silent no-op.
func (e *Executor) Execute(ctx context.Context, messageID string, reason models.DeletionReason) (Result, error) {
	defer e.timers.Cancel(messageID)

	msg, err := e.messages.Get(ctx, messageID)
	if err != nil {
		e.metrics.RecordDeletion(metrics.OutcomeStoreError)
		return ResultStoreFailed, err
	}
	if msg == nil {
		return ResultNotTracked, nil
	}
	if msg.IsDeleted() {
		e.metrics.RecordDeletion(metrics.OutcomeAlreadyDeleted)
		return ResultAlreadyDeleted, nil
	}

	at := e.now()
	claimed, err := e.messages.ClaimForDeletion(ctx, messageID, reason, at)
	if err != nil {
		e.metrics.RecordDeletion(metrics.OutcomeStoreError)
		return ResultStoreFailed, err
	}
	if !claimed {
		e.metrics.RecordDeletion(metrics.OutcomeAlreadyDeleted)
		return ResultAlreadyDeleted, nil
	}

	// a won claim is never rolled back, so the rest must not be cut short by the caller
	detached := context.WithoutCancel(ctx)

	gctx, cancel := context.WithTimeout(detached, e.timeout)
	outcome, gerr := e.gateway.Delete(gctx, msg.ChannelID, msg.MessageID)
	cancel()

	sctx, cancel := context.WithTimeout(detached, e.timeout)
	err = e.policies.RecordDeleted(sctx, msg.CommunityID, msg.ChannelID, at)
	cancel()
	if err != nil {
		logger.Warningf("Error updating deleted counter of %s/%s: %v", msg.CommunityID, msg.ChannelID, err)
	}
	e.stats.MarkDirty(msg.CommunityID)

	if gerr != nil {
		e.metrics.RecordDeletion(metrics.OutcomeGatewayError)
		logger.Errorf("Failed to delete message %s in %s/%s: %v", msg.MessageID, msg.CommunityID, msg.ChannelID, gerr)
		return ResultGatewayFailed, gateway.Failure(gerr)
	}

	result := ResultDeleted
	label := metrics.OutcomeDeleted
	if outcome == gateway.OutcomeNotFound {
		result = ResultGone
		label = metrics.OutcomeNotFound
	}
	e.metrics.RecordDeletion(label)

	logger.Infof("Deleted message %s in %s/%s by %s (%s, %s, %s late): %q",
		msg.MessageID, msg.CommunityID, msg.ChannelID, msg.AuthorUsername,
		reason, outcome, lateness(at, msg.ExpiresAt), msg.Excerpt)
	return result, nil
}

func lateness(at, expiry time.Time) time.Duration {
	if at.Before(expiry) {
		return 0
	}
	return at.Sub(expiry).Truncate(time.Millisecond)
}
