package storage

import (
	"context"
	"errors"
	"time"

	"ephemeral-bot/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CommunityRepository handles database operations for communities
type CommunityRepository struct {
	db *gorm.DB
}

// NewCommunityRepository creates a new CommunityRepository
func NewCommunityRepository(db *gorm.DB) *CommunityRepository {
	return &CommunityRepository{db: db}
}

// MigrateTable ensures the communities table exists
func (r *CommunityRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.Community{})
}

// Get retrieves a community by its external ID, or nil when unknown.
func (r *CommunityRepository) Get(ctx context.Context, communityID string) (*models.Community, error) {
	var c models.Community
	err := r.db.WithContext(ctx).Where("community_id = ?", communityID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err, "get community %s", communityID)
	}
	return &c, nil
}

// CreateOrUpdate creates a community record or updates its descriptive and
// subscription fields. Derived stats are left to UpdateStats.
func (r *CommunityRepository) CreateOrUpdate(ctx context.Context, c *models.Community) error {
	if c.Tier == "" {
		c.Tier = models.TierFree
	}
	c.ID = 0
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "community_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "owner_id", "tier", "tier_expires_at", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return unavailable(err, "save community %s", c.CommunityID)
	}
	return nil
}

// UpdateStats stores freshly recomputed stats, creating a free-tier community
// row when none exists yet.
func (r *CommunityRepository) UpdateStats(ctx context.Context, communityID string, stats models.CommunityStats, at time.Time) error {
	c := &models.Community{
		CommunityID:          communityID,
		Tier:                 models.TierFree,
		TotalMessagesTracked: stats.TotalMessagesTracked,
		TotalMessagesDeleted: stats.TotalMessagesDeleted,
		ChannelsWithRules:    stats.ChannelsWithRules,
		StatsUpdatedAt:       &at,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "community_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_messages_tracked",
			"total_messages_deleted",
			"channels_with_rules",
			"stats_updated_at",
			"updated_at",
		}),
	}).Create(c).Error
	if err != nil {
		return unavailable(err, "update stats of %s", communityID)
	}
	return nil
}

// Count returns the number of known communities.
func (r *CommunityRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Community{}).Count(&count).Error; err != nil {
		return 0, unavailable(err, "count communities")
	}
	return count, nil
}
