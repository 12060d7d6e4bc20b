package models

import (
	"time"
	"unicode/utf8"
)

// DeletionState is the lifecycle state of a tracked message.
type DeletionState string

const (
	StatePending DeletionState = "pending"
	StateDeleted DeletionState = "deleted"
)

// DeletionReason records why a message was deleted.
type DeletionReason string

const (
	ReasonExpired     DeletionReason = "expired"
	ReasonManual      DeletionReason = "manual"
	ReasonRuleRemoved DeletionReason = "rule_removed"
)

// ExcerptLength is the number of characters kept from a message for auditing.
const ExcerptLength = 100

// TrackedMessage is a message scheduled for deletion.
// ExpiresAt is computed once at creation and never changes. A record moves from
// pending to deleted exactly once and is not touched again until it is purged.
type TrackedMessage struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"index"`

	MessageID      string `gorm:"type:varchar(128);not null;uniqueIndex"`
	CommunityID    string `gorm:"type:varchar(64);not null;index:idx_tracked_community_channel,priority:1"`
	ChannelID      string `gorm:"type:varchar(64);not null;index:idx_tracked_community_channel,priority:2"`
	AuthorID       string `gorm:"type:varchar(64)"`
	AuthorUsername string `gorm:"type:varchar(255)"`
	Excerpt        string `gorm:"type:varchar(400)"`

	ExpiresAt time.Time     `gorm:"not null;index:idx_tracked_due,priority:1"`
	State     DeletionState `gorm:"type:varchar(16);not null;default:pending;index:idx_tracked_due,priority:2"`

	RemovedAt      *time.Time     `gorm:"index"`
	DeletionReason DeletionReason `gorm:"type:varchar(16)"`
}

// IsDeleted reports whether the message has been claimed for deletion.
func (m *TrackedMessage) IsDeleted() bool {
	return m.State == StateDeleted
}

// Excerpt truncates content to ExcerptLength characters without splitting a rune.
func Excerpt(content string) string {
	if utf8.RuneCountInString(content) <= ExcerptLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:ExcerptLength])
}
