package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/scheduler"
)

// roles derived from how a message was sent, usable in a rule's excluded roles
const (
	RoleAnonymousAdmin   = "anonymous_admin"
	RoleChannel          = "channel"
	RoleAutomaticForward = "automatic_forward"
)

// handleIncomingMessage hands every group or channel message to the engine.
func (h *Handler) handleIncomingMessage(ctx context.Context, message telego.Message) error {
	in, ok := incomingFromMessage(message)
	if !ok {
		return nil
	}

	tracked, err := h.tracker.Track(ctx, in)
	if err != nil {
		// updates are not redelivered, the message stays untracked
		logger.Errorf("Error tracking message %s in chat %d: %v", in.MessageID, message.Chat.ID, err)
		return nil
	}
	if tracked != nil {
		logger.Debugf("Message %s expires at %s", tracked.MessageID, tracked.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// incomingFromMessage maps a Telegram message onto the engine's model. A chat
// is a community; a forum topic inside it is a channel of its own.
func incomingFromMessage(m telego.Message) (scheduler.IncomingMessage, bool) {
	if m.Chat.Type == "private" {
		return scheduler.IncomingMessage{}, false
	}

	in := scheduler.IncomingMessage{
		MessageID:   gateway.MessageKey(m.Chat.ID, m.MessageID),
		CommunityID: strconv.FormatInt(m.Chat.ID, 10),
		ChannelID:   ChannelKey(m.Chat.ID, topicID(m)),
		Content:     messageContent(m),
		ReceivedAt:  time.Unix(m.Date, 0).UTC(),
	}
	if m.Date == 0 {
		in.ReceivedAt = time.Time{}
	}

	switch {
	case m.SenderChat != nil:
		in.AuthorID = strconv.FormatInt(m.SenderChat.ID, 10)
		in.AuthorUsername = chatDisplayName(*m.SenderChat)
		if m.SenderChat.ID == m.Chat.ID {
			in.AuthorRoles = append(in.AuthorRoles, RoleAnonymousAdmin)
		} else {
			in.AuthorRoles = append(in.AuthorRoles, RoleChannel)
		}
	case m.From != nil:
		in.AuthorID = strconv.FormatInt(m.From.ID, 10)
		in.AuthorUsername = userDisplayName(*m.From)
		in.AuthorIsBot = m.From.IsBot
	}
	if m.IsAutomaticForward {
		in.AuthorRoles = append(in.AuthorRoles, RoleAutomaticForward)
	}
	return in, true
}

// ChannelKey names the channel of a chat, or of one forum topic in it.
func ChannelKey(chatID int64, topic int) string {
	if topic == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return strconv.FormatInt(chatID, 10) + "/" + strconv.Itoa(topic)
}

func topicID(m telego.Message) int {
	if !m.IsTopicMessage {
		return 0
	}
	return m.MessageThreadID
}

// messageContent returns the text of a message, its caption, or a label for
// media sent without one. Service messages have no content and are not tracked.
func messageContent(m telego.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.Caption != "" {
		return m.Caption
	}
	switch {
	case len(m.Photo) > 0:
		return "[photo]"
	case m.Video != nil:
		return "[video]"
	case m.Animation != nil:
		return "[animation]"
	case m.Sticker != nil:
		return "[sticker]"
	case m.Voice != nil:
		return "[voice]"
	case m.VideoNote != nil:
		return "[video note]"
	case m.Audio != nil:
		return "[audio]"
	case m.Document != nil:
		return "[document]"
	case m.Poll != nil:
		return "[poll] " + m.Poll.Question
	case m.Location != nil:
		return "[location]"
	case m.Contact != nil:
		return "[contact]"
	}
	return ""
}

func userDisplayName(u telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}

func chatDisplayName(c telego.Chat) string {
	if c.Username != "" {
		return c.Username
	}
	return c.Title
}
