package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/service"
)

// Commands is the command menu published to Telegram.
var Commands = []telego.BotCommand{
	{Command: "expire", Description: "Delete messages here after 1h, 6h, 24h or 7d"},
	{Command: "expire_stop", Description: "Stop expiring messages here, add 'purge' to delete pending ones now"},
	{Command: "expire_status", Description: "List the expiration rules of this chat"},
	{Command: "help", Description: "How to use the bot"},
}

// parseCommand splits "/expire@SomeBot 24 keep_pinned" into "expire" and its arguments.
func parseCommand(text string) (string, []string) {
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), fields[1:]
}

// parseHours accepts 1, 6h, 24 or 7d style durations.
func parseHours(arg string) (int, error) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	multiplier := 1
	switch {
	case strings.HasSuffix(arg, "d"):
		multiplier = 24
		arg = strings.TrimSuffix(arg, "d")
	case strings.HasSuffix(arg, "h"):
		arg = strings.TrimSuffix(arg, "h")
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, service.ErrInvalidExpiration
	}
	return n * multiplier, nil
}

// handleCommand runs the bot commands. It reports false when the message is
// not one of them, so the caller tracks it like any other message.
func (h *Handler) handleCommand(ctx context.Context, message telego.Message) (bool, error) {
	name, args := parseCommand(message.Text)
	switch name {
	case "expire", "expire_stop", "expire_status", "help":
	default:
		return false, nil
	}

	if message.Chat.Type == "private" || message.Chat.Type == "channel" {
		return true, h.reply(ctx, message, "Add me to a group as an administrator with the right to delete messages, then send /expire there.")
	}

	if name == "help" {
		return true, h.reply(ctx, message, helpText())
	}

	isAdmin, err := h.senderIsAdmin(ctx, message)
	if err != nil {
		logger.Warningf("Error checking administrators of chat %d: %v", message.Chat.ID, err)
		return true, h.reply(ctx, message, "❌ Could not verify your permissions, please try again.")
	}
	if !isAdmin {
		return true, h.reply(ctx, message, "❌ Only chat administrators can manage expiration rules.")
	}

	switch name {
	case "expire":
		return true, h.handleExpireCommand(ctx, message, args)
	case "expire_stop":
		return true, h.handleStopCommand(ctx, message, args)
	default:
		return true, h.handleStatusCommand(ctx, message)
	}
}

func (h *Handler) handleExpireCommand(ctx context.Context, message telego.Message, args []string) error {
	if len(args) == 0 {
		return h.reply(ctx, message, "Usage: /expire &lt;1h|6h|24h|7d&gt; [keep_pinned]")
	}
	hours, err := parseHours(args[0])
	if err != nil {
		return h.reply(ctx, message, "❌ Expiration must be 1h, 6h, 24h or 7d.")
	}

	req := service.SetupRequest{
		CommunityID:     strconv.FormatInt(message.Chat.ID, 10),
		ChannelID:       ChannelKey(message.Chat.ID, topicID(message)),
		ChannelName:     message.Chat.Title,
		CreatedBy:       senderID(message),
		ExpirationHours: hours,
	}
	for _, a := range args[1:] {
		if strings.EqualFold(a, "keep_pinned") {
			req.PreservePinned = true
		}
	}

	policy, err := h.rules.SetupChannel(ctx, req)
	switch {
	case errors.Is(err, service.ErrInvalidExpiration):
		return h.reply(ctx, message, "❌ Expiration must be 1h, 6h, 24h or 7d.")
	case errors.Is(err, service.ErrFreeTierLimit):
		return h.reply(ctx, message, "❌ <b>Free Plan Limit Reached</b>\nThe free plan covers one channel. Stop the existing rule or upgrade to Premium for unlimited channels.")
	case err != nil:
		logger.Errorf("Error setting up expiration in chat %d: %v", message.Chat.ID, err)
		return h.reply(ctx, message, "❌ An error occurred while processing your command. Please try again.")
	}

	return h.reply(ctx, message, fmt.Sprintf("✅ <b>Setup Complete!</b>\nNew messages here will be deleted after <b>%s</b>.", formatHours(policy.ExpirationHours)))
}

func (h *Handler) handleStopCommand(ctx context.Context, message telego.Message, args []string) error {
	purge := len(args) > 0 && strings.EqualFold(args[0], "purge")
	communityID := strconv.FormatInt(message.Chat.ID, 10)
	channelID := ChannelKey(message.Chat.ID, topicID(message))

	result, err := h.rules.StopChannel(ctx, communityID, channelID, purge)
	if errors.Is(err, service.ErrNoActiveRule) {
		return h.reply(ctx, message, "❌ No active expiration rule here.")
	}
	if err != nil {
		logger.Errorf("Error stopping expiration in chat %d: %v", message.Chat.ID, err)
		if result.Previous == nil {
			return h.reply(ctx, message, "❌ An error occurred while processing your command. Please try again.")
		}
	}

	text := "🛑 <b>Rule Stopped</b>\nAuto-expiration is disabled here."
	if result.Previous != nil {
		text += fmt.Sprintf(" The previous rule was %s.", formatHours(result.Previous.ExpirationHours))
	}
	if purge {
		text += fmt.Sprintf("\nDeleted %d pending messages.", result.Purged)
	} else {
		text += "\nMessages already tracked are still deleted when they expire."
	}
	return h.reply(ctx, message, text)
}

func (h *Handler) handleStatusCommand(ctx context.Context, message telego.Message) error {
	rules, err := h.rules.ListRules(ctx, strconv.FormatInt(message.Chat.ID, 10))
	if err != nil {
		logger.Errorf("Error listing rules of chat %d: %v", message.Chat.ID, err)
		return h.reply(ctx, message, "❌ An error occurred while processing your command. Please try again.")
	}
	if len(rules) == 0 {
		return h.reply(ctx, message, "📋 <b>No Active Rules</b>\nUse /expire to create your first rule.")
	}

	var b strings.Builder
	b.WriteString("📋 <b>Active Expiration Rules</b>\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "• %s: <b>%s</b>, %d tracked, %d deleted\n",
			html.EscapeString(ruleLabel(r)), formatHours(r.ExpirationHours), r.MessagesTracked, r.MessagesDeleted)
	}
	fmt.Fprintf(&b, "Total rules: %d", len(rules))
	return h.reply(ctx, message, b.String())
}

func ruleLabel(p models.Policy) string {
	label := p.ChannelName
	if label == "" {
		label = p.ChannelID
	}
	if i := strings.Index(p.ChannelID, "/"); i >= 0 {
		label += " (topic " + p.ChannelID[i+1:] + ")"
	}
	return label
}

func formatHours(h int) string {
	if h >= 24 && h%24 == 0 {
		if h == 24 {
			return "24 hours"
		}
		return fmt.Sprintf("%d days", h/24)
	}
	if h == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", h)
}

func helpText() string {
	return "<b>Ephemeral Bot</b>\n\n" +
		"Messages in chats with a rule are deleted once they expire.\n\n" +
		"/expire &lt;1h|6h|24h|7d&gt; [keep_pinned] - set the rule of this chat or topic\n" +
		"/expire_stop [purge] - stop the rule, purge deletes pending messages now\n" +
		"/expire_status - list the rules of this chat\n\n" +
		"Only administrators can change rules. The bot needs the right to delete messages."
}

func senderID(message telego.Message) string {
	if message.SenderChat != nil {
		return strconv.FormatInt(message.SenderChat.ID, 10)
	}
	if message.From != nil {
		return strconv.FormatInt(message.From.ID, 10)
	}
	return ""
}

// reply answers in the chat and topic the command came from
func (h *Handler) reply(ctx context.Context, message telego.Message, text string) error {
	params := &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: message.Chat.ID},
		Text:      text,
		ParseMode: "HTML",
	}
	if message.IsTopicMessage {
		params.MessageThreadID = message.MessageThreadID
	}
	_, err := h.api.SendMessage(ctx, params)
	if err != nil {
		logger.Warningf("Error replying in chat %d: %v", message.Chat.ID, err)
	}
	return err
}
