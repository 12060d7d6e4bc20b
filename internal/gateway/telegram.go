package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"golang.org/x/time/rate"

	"ephemeral-bot/internal/logger"
)

// descriptions Telegram returns when the target message no longer exists
var notFoundDescriptions = []string{
	"message to delete not found",
	"message_id_invalid",
}

// messageAPI is the subset of *telego.Bot the deleter needs.
type messageAPI interface {
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
}

// TelegramDeleter deletes messages through the Telegram Bot API.
type TelegramDeleter struct {
	api     messageAPI
	limiter *rate.Limiter
}

// NewTelegramDeleter throttles calls to perSecond with the given burst.
// A non-positive perSecond disables throttling.
func NewTelegramDeleter(bot *telego.Bot, perSecond float64, burst int) *TelegramDeleter {
	return newTelegramDeleter(bot, perSecond, burst)
}

func newTelegramDeleter(api messageAPI, perSecond float64, burst int) *TelegramDeleter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &TelegramDeleter{api: api, limiter: rate.NewLimiter(limit, burst)}
}

// Delete removes messageID, a key built by MessageKey, from its chat.
// channelID is informational; the chat is taken from the key.
func (d *TelegramDeleter) Delete(ctx context.Context, channelID, messageID string) (Outcome, error) {
	chatID, msgID, err := ParseMessageKey(messageID)
	if err != nil {
		return 0, Failure(err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return 0, Failure(fmt.Errorf("rate limiter: %w", err))
	}

	err = d.api.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
	})
	if err == nil {
		return OutcomeDeleted, nil
	}
	if isNotFound(err) {
		logger.Debugf("Message %d already gone from chat %d (channel %s)", msgID, chatID, channelID)
		return OutcomeNotFound, nil
	}
	return 0, Failure(err)
}

func isNotFound(err error) bool {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode != 400 {
			return false
		}
		return matchesNotFound(apiErr.Description)
	}
	return matchesNotFound(err.Error())
}

func matchesNotFound(description string) bool {
	description = strings.ToLower(description)
	for _, d := range notFoundDescriptions {
		if strings.Contains(description, d) {
			return true
		}
	}
	return false
}
