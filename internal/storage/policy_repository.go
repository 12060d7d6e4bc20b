package storage

import (
	"context"
	"errors"
	"time"

	"ephemeral-bot/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PolicyRepository handles database operations for channel policies
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a new PolicyRepository
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// MigrateTable ensures the policies table exists
func (r *PolicyRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.Policy{})
}

// Lookup returns the active policy for a channel, or nil when there is none.
func (r *PolicyRepository) Lookup(ctx context.Context, communityID, channelID string) (*models.Policy, error) {
	var p models.Policy
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND channel_id = ? AND is_active = ?", communityID, channelID, true).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err, "lookup policy %s/%s", communityID, channelID)
	}
	return &p, nil
}

// Get returns the policy row of a channel whether or not it is active.
func (r *PolicyRepository) Get(ctx context.Context, communityID, channelID string) (*models.Policy, error) {
	var p models.Policy
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND channel_id = ?", communityID, channelID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err, "get policy %s/%s", communityID, channelID)
	}
	return &p, nil
}

// Upsert creates the policy of a channel or supersedes the existing one.
// Creation metadata describes the superseding policy; the running counters of
// an existing row are kept. p is reloaded from the
// stored row on success.
func (r *PolicyRepository) Upsert(ctx context.Context, p *models.Policy) error {
	p.ID = 0
	p.IsActive = true
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "community_id"}, {Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"created_at",
			"channel_name",
			"created_by",
			"expiration_hours",
			"is_active",
			"preserve_pinned",
			"exclude_roles",
			"exclude_users",
			"updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return unavailable(err, "upsert policy %s/%s", p.CommunityID, p.ChannelID)
	}

	stored, err := r.Get(ctx, p.CommunityID, p.ChannelID)
	if err != nil {
		return err
	}
	if stored != nil {
		*p = *stored
	}
	return nil
}

// Deactivate turns off the active policy of a channel.
// It reports false when the channel had no active policy.
func (r *PolicyRepository) Deactivate(ctx context.Context, communityID, channelID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Policy{}).
		Where("community_id = ? AND channel_id = ? AND is_active = ?", communityID, channelID, true).
		Update("is_active", false)
	if result.Error != nil {
		return false, unavailable(result.Error, "deactivate policy %s/%s", communityID, channelID)
	}
	return result.RowsAffected > 0, nil
}

// CountActive counts the channels of a community with an active policy.
func (r *PolicyRepository) CountActive(ctx context.Context, communityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Policy{}).
		Where("community_id = ? AND is_active = ?", communityID, true).
		Count(&count).Error
	if err != nil {
		return 0, unavailable(err, "count active policies of %s", communityID)
	}
	return count, nil
}

// ListActive returns the active policies of a community ordered by channel.
func (r *PolicyRepository) ListActive(ctx context.Context, communityID string) ([]models.Policy, error) {
	var policies []models.Policy
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND is_active = ?", communityID, true).
		Order("channel_id").
		Find(&policies).Error
	if err != nil {
		return nil, unavailable(err, "list policies of %s", communityID)
	}
	return policies, nil
}

// RecordTracked bumps the tracked counter of a channel.
func (r *PolicyRepository) RecordTracked(ctx context.Context, communityID, channelID string, at time.Time) error {
	return r.bump(ctx, communityID, channelID, "messages_tracked", at)
}

// RecordDeleted bumps the deleted counter of a channel.
func (r *PolicyRepository) RecordDeleted(ctx context.Context, communityID, channelID string, at time.Time) error {
	return r.bump(ctx, communityID, channelID, "messages_deleted", at)
}

func (r *PolicyRepository) bump(ctx context.Context, communityID, channelID, column string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Policy{}).
		Where("community_id = ? AND channel_id = ?", communityID, channelID).
		Updates(map[string]interface{}{
			column:          gorm.Expr(column+" + ?", 1),
			"last_activity": at,
		}).Error
	if err != nil {
		return unavailable(err, "bump %s of %s/%s", column, communityID, channelID)
	}
	return nil
}
