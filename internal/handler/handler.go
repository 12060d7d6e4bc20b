package handler

import (
	"context"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/scheduler"
	"ephemeral-bot/internal/service"
)

// Tracker is the entry point of the expiration engine.
type Tracker interface {
	Track(ctx context.Context, in scheduler.IncomingMessage) (*models.TrackedMessage, error)
}

// Rules is what the chat commands configure.
type Rules interface {
	SetupChannel(ctx context.Context, req service.SetupRequest) (*models.Policy, error)
	StopChannel(ctx context.Context, communityID, channelID string, purge bool) (service.StopResult, error)
	ListRules(ctx context.Context, communityID string) ([]models.Policy, error)
	RegisterCommunity(ctx context.Context, communityID, name, ownerID string) error
}

// chatAPI is the subset of *telego.Bot the handlers call.
type chatAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	GetChatAdministrators(ctx context.Context, params *telego.GetChatAdministratorsParams) ([]telego.ChatMember, error)
}

// Handler turns Telegram updates into engine calls.
type Handler struct {
	api     chatAPI
	botID   int64
	tracker Tracker
	rules   Rules
}

func New(bot *telego.Bot, tracker Tracker, rules Rules) *Handler {
	return &Handler{
		api:     bot,
		botID:   bot.ID(),
		tracker: tracker,
		rules:   rules,
	}
}

// SetupMessageHandlers configures all bot message and update handlers
func (h *Handler) SetupMessageHandlers(bh *th.BotHandler) {
	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		if ok, err := h.handleCommand(ctx, message); ok {
			return err
		}
		return h.handleIncomingMessage(ctx, message)
	})

	bh.HandleChannelPost(func(ctx *th.Context, message telego.Message) error {
		return h.handleIncomingMessage(ctx, message)
	})

	bh.Handle(func(ctx *th.Context, update telego.Update) error {
		return h.handleMyChatMemberUpdate(ctx, update)
	}, th.AnyMyChatMember())
}
