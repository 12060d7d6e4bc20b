package models

import (
	"fmt"
	"time"
)

// Allowed expiration windows, in hours.
var ExpirationHoursOptions = []int{1, 6, 24, 168}

// ValidExpirationHours reports whether h is one of the supported windows.
func ValidExpirationHours(h int) bool {
	for _, option := range ExpirationHoursOptions {
		if option == h {
			return true
		}
	}
	return false
}

// Policy is the expiration rule of one channel in one community.
// At most one row exists per (CommunityID, ChannelID); reconfiguring a channel
// overwrites that row instead of adding another.
type Policy struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	CommunityID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_policy_community_channel,priority:1;index:idx_policy_active,priority:1"`
	ChannelID   string `gorm:"type:varchar(64);not null;uniqueIndex:idx_policy_community_channel,priority:2"`
	ChannelName string `gorm:"type:varchar(255)"`
	CreatedBy   string `gorm:"type:varchar(64)"`

	ExpirationHours int  `gorm:"not null"`
	IsActive        bool `gorm:"not null;index:idx_policy_active,priority:2"`

	PreservePinned bool     `gorm:"not null"`
	ExcludeRoles   []string `gorm:"serializer:json;type:text"`
	ExcludeUsers   []string `gorm:"serializer:json;type:text"`

	MessagesTracked int64 `gorm:"not null;default:0"`
	MessagesDeleted int64 `gorm:"not null;default:0"`
	LastActivity    *time.Time
}

// Duration returns the expiration window as a time.Duration.
func (p *Policy) Duration() time.Duration {
	return time.Duration(p.ExpirationHours) * time.Hour
}

// Excludes reports whether a message with the given author, roles and pin state
// is exempt from this policy.
func (p *Policy) Excludes(authorID string, roles []string, pinned bool) bool {
	if pinned && p.PreservePinned {
		return true
	}
	for _, u := range p.ExcludeUsers {
		if u == authorID {
			return true
		}
	}
	for _, excluded := range p.ExcludeRoles {
		for _, r := range roles {
			if r == excluded {
				return true
			}
		}
	}
	return false
}

func (p *Policy) String() string {
	return fmt.Sprintf("policy(%s/%s %dh active=%v)", p.CommunityID, p.ChannelID, p.ExpirationHours, p.IsActive)
}
