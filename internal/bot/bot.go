package bot

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/crash"
	"ephemeral-bot/internal/logger"
)

// updates the bot subscribes to
var allowedUpdates = []string{"message", "channel_post", "my_chat_member"}

// BotService represents the Telegram bot service
type BotService struct {
	Bot     *telego.Bot
	Handler *th.BotHandler
	Webhook *WebhookServer
}

// Start runs the webhook server, if any, and blocks handling updates until Stop.
func (b *BotService) Start() {
	if b.Webhook != nil {
		crash.SafeGoroutine("webhook", func() {
			if err := b.Webhook.Start(); err != nil {
				logger.Errorf("Webhook server stopped: %v", err)
			}
		})
	}
	b.Handler.Start()
}

// Stop stops the bot handler and the webhook server
func (b *BotService) Stop(ctx context.Context) {
	b.Handler.Stop()
	if b.Webhook != nil {
		if err := b.Webhook.Shutdown(ctx); err != nil {
			logger.Warningf("Error shutting down webhook server: %v", err)
		}
	}
}

// NewBot creates the API client, logging every request at DEBUG level.
func NewBot(cfg config.BotConfig, debug bool) (*telego.Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	var opts []telego.BotOption
	if debug {
		opts = append(opts, telego.WithDefaultDebugLogger())
	}
	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bot: %w", err)
	}
	return bot, nil
}

// Initialize connects the bot and sets up update delivery, through a webhook
// when an endpoint is configured and long polling otherwise.
func Initialize(ctx context.Context, bot *telego.Bot, cfg config.BotConfig, commands []telego.BotCommand) (*BotService, error) {
	botUser, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	logger.Infof("Authorized on account %s", botUser.Username)

	if len(commands) > 0 {
		if err := bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
			logger.Warningf("Failed to set bot commands: %v", err)
		}
	}

	// Delete any existing webhook
	if err := bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		return nil, fmt.Errorf("failed to delete existing webhook: %w", err)
	}

	if cfg.Webhook.Endpoint == "" {
		logger.Infof("No webhook endpoint configured, using long polling")
		updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{AllowedUpdates: allowedUpdates})
		if err != nil {
			return nil, fmt.Errorf("failed to start long polling: %w", err)
		}
		bh, err := th.NewBotHandler(bot, updates)
		if err != nil {
			return nil, fmt.Errorf("failed to create bot handler: %w", err)
		}
		return &BotService{Bot: bot, Handler: bh}, nil
	}

	bh, server, err := SetupWebhook(ctx, bot, cfg.Webhook, secretToken(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("failed to setup webhook: %w", err)
	}
	return &BotService{Bot: bot, Handler: bh, Webhook: server}, nil
}

// secretToken derives a stable webhook secret from the bot token
func secretToken(token string) string {
	suffix := token
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "secure_webhook_token_" + suffix
}
