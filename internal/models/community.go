package models

import (
	"sync"
	"time"
)

// Tier is a community's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// CommunityStats is the derived, fully recomputed summary of a community.
type CommunityStats struct {
	TotalMessagesTracked int64
	TotalMessagesDeleted int64
	ChannelsWithRules    int64
}

// Community is a server/group that owns channel policies.
type Community struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	CommunityID string `gorm:"type:varchar(64);not null;uniqueIndex"`
	Name        string `gorm:"type:varchar(255)"`
	OwnerID     string `gorm:"type:varchar(64)"`

	Tier          Tier `gorm:"type:varchar(16);not null;default:free"`
	TierExpiresAt *time.Time

	TotalMessagesTracked int64 `gorm:"not null;default:0"`
	TotalMessagesDeleted int64 `gorm:"not null;default:0"`
	ChannelsWithRules    int64 `gorm:"not null;default:0"`
	StatsUpdatedAt       *time.Time
}

// EffectiveTier downgrades a lapsed premium subscription to free.
func (c *Community) EffectiveTier(now time.Time) Tier {
	if c == nil {
		return TierFree
	}
	if c.Tier == TierPremium && c.TierExpiresAt != nil && !c.TierExpiresAt.After(now) {
		return TierFree
	}
	if c.Tier == "" {
		return TierFree
	}
	return c.Tier
}

// Stats returns the derived counters stored on the community.
func (c *Community) Stats() CommunityStats {
	return CommunityStats{
		TotalMessagesTracked: c.TotalMessagesTracked,
		TotalMessagesDeleted: c.TotalMessagesDeleted,
		ChannelsWithRules:    c.ChannelsWithRules,
	}
}

// DirtySet is a concurrency-safe set of community IDs awaiting a stats recompute.
type DirtySet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewDirtySet() *DirtySet {
	return &DirtySet{ids: make(map[string]struct{})}
}

func (d *DirtySet) Add(communityID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[communityID] = struct{}{}
}

// Drain empties the set and returns its former members.
func (d *DirtySet) Drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	d.ids = make(map[string]struct{})
	return out
}

func (d *DirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}
