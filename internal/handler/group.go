package handler

import (
	"context"
	"strconv"

	"github.com/mymmrac/telego"

	"ephemeral-bot/internal/logger"
)

// senderIsAdmin checks if the sender of a message is an admin in the chat.
// Anonymous admins post as the chat itself.
func (h *Handler) senderIsAdmin(ctx context.Context, message telego.Message) (bool, error) {
	if message.SenderChat != nil {
		return message.SenderChat.ID == message.Chat.ID, nil
	}
	if message.From == nil {
		return false, nil
	}

	admins, err := h.api.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{
		ChatID: telego.ChatID{ID: message.Chat.ID},
	})
	if err != nil {
		return false, err
	}
	for _, admin := range admins {
		if admin.MemberUser().ID == message.From.ID {
			return true, nil
		}
	}
	return false, nil
}

// handleMyChatMemberUpdate registers the chat as a community once the bot
// becomes an administrator there.
func (h *Handler) handleMyChatMemberUpdate(ctx context.Context, update telego.Update) error {
	if update.MyChatMember == nil {
		return nil
	}
	chat := update.MyChatMember.Chat
	if chat.Type == "private" {
		return nil
	}

	member := update.MyChatMember.NewChatMember
	switch member.MemberStatus() {
	case telego.MemberStatusAdministrator:
		if admin, ok := member.(*telego.ChatMemberAdministrator); ok && !admin.CanDeleteMessages {
			logger.Warningf("Bot is an administrator of chat %d without the right to delete messages", chat.ID)
		}
	case telego.MemberStatusLeft, "kicked":
		logger.Infof("Bot was removed from chat %d (%s), its rules stay until stopped", chat.ID, chat.Title)
		return nil
	default:
		logger.Infof("Bot status in chat %d is now %s, it needs to be an administrator to delete messages", chat.ID, member.MemberStatus())
		return nil
	}

	ownerID := ""
	if id, ok := h.botPromoterID(ctx, chat.ID); ok {
		ownerID = strconv.FormatInt(id, 10)
	} else if update.MyChatMember.From.ID != 0 {
		ownerID = strconv.FormatInt(update.MyChatMember.From.ID, 10)
	}

	if err := h.rules.RegisterCommunity(ctx, strconv.FormatInt(chat.ID, 10), chat.Title, ownerID); err != nil {
		logger.Errorf("Error registering chat %d: %v", chat.ID, err)
		return nil
	}
	logger.Infof("Bot was promoted in chat %d (%s), owner %s", chat.ID, chat.Title, ownerID)
	return nil
}

// botPromoterID finds the chat creator, or failing that an admin who can promote members.
func (h *Handler) botPromoterID(ctx context.Context, chatID int64) (int64, bool) {
	admins, err := h.api.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{
		ChatID: telego.ChatID{ID: chatID},
	})
	if err != nil {
		logger.Warningf("Error getting chat administrators for chat %d: %v", chatID, err)
		return 0, false
	}

	for _, admin := range admins {
		if creator, ok := admin.(*telego.ChatMemberOwner); ok {
			return creator.User.ID, true
		}
	}

	for _, admin := range admins {
		if admin.MemberUser().ID == h.botID {
			continue
		}
		if a, ok := admin.(*telego.ChatMemberAdministrator); ok && a.CanPromoteMembers {
			return a.User.ID, true
		}
	}

	logger.Warningf("Could not find bot promoter in chat %d", chatID)
	return 0, false
}
