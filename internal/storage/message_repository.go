package storage

import (
	"context"
	"errors"
	"time"

	"ephemeral-bot/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository handles database operations for tracked messages
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// MigrateTable ensures the tracked_messages table exists
func (r *MessageRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.TrackedMessage{})
}

// Create inserts a pending record. It returns ErrDuplicateMessage, and writes
// nothing, when the message identity is already tracked.
func (r *MessageRepository) Create(ctx context.Context, m *models.TrackedMessage) error {
	if m.State == "" {
		m.State = models.StatePending
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(m)
	if result.Error != nil {
		return unavailable(result.Error, "create tracked message %s", m.MessageID)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateMessage
	}
	return nil
}

// Get returns the record of a message, or nil when it is not tracked.
func (r *MessageRepository) Get(ctx context.Context, messageID string) (*models.TrackedMessage, error) {
	var m models.TrackedMessage
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err, "get tracked message %s", messageID)
	}
	return &m, nil
}

// FindDue returns up to limit pending messages whose expiry is at or before now,
// oldest expiry first so a backlog drains in order.
func (r *MessageRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.TrackedMessage, error) {
	var msgs []models.TrackedMessage
	err := r.db.WithContext(ctx).
		Where("expires_at <= ? AND state = ?", now, models.StatePending).
		Order("expires_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, unavailable(err, "find due messages")
	}
	return msgs, nil
}

// FindPendingBefore returns up to limit pending messages expiring before t.
func (r *MessageRepository) FindPendingBefore(ctx context.Context, t time.Time, limit int) ([]models.TrackedMessage, error) {
	var msgs []models.TrackedMessage
	err := r.db.WithContext(ctx).
		Where("expires_at < ? AND state = ?", t, models.StatePending).
		Order("expires_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, unavailable(err, "find pending messages")
	}
	return msgs, nil
}

// FindPendingByChannel returns up to limit pending messages of one channel.
func (r *MessageRepository) FindPendingByChannel(ctx context.Context, communityID, channelID string, limit int) ([]models.TrackedMessage, error) {
	var msgs []models.TrackedMessage
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND channel_id = ? AND state = ?", communityID, channelID, models.StatePending).
		Order("expires_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, unavailable(err, "find pending messages of %s/%s", communityID, channelID)
	}
	return msgs, nil
}

// ClaimForDeletion atomically moves a message from pending to deleted.
// It reports true only for the single caller whose conditional update changed
// the row; every concurrent or later caller gets false. On error nothing is written.
func (r *MessageRepository) ClaimForDeletion(ctx context.Context, messageID string, reason models.DeletionReason, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Where("message_id = ? AND state = ?", messageID, models.StatePending).
		Updates(map[string]interface{}{
			"state":           models.StateDeleted,
			"removed_at":      at,
			"deletion_reason": reason,
		})
	if result.Error != nil {
		return false, unavailable(result.Error, "claim message %s", messageID)
	}
	return result.RowsAffected == 1, nil
}

// PurgeDeletedBefore hard-deletes deleted records removed before cutoff.
// Pending records are never purged.
func (r *MessageRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("state = ? AND removed_at < ?", models.StateDeleted, cutoff).
		Delete(&models.TrackedMessage{})
	if result.Error != nil {
		return 0, unavailable(result.Error, "purge deleted messages before %s", cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}

// CountByCommunity counts every record of a community, pending or deleted.
func (r *MessageRepository) CountByCommunity(ctx context.Context, communityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Where("community_id = ?", communityID).
		Count(&count).Error
	if err != nil {
		return 0, unavailable(err, "count messages of %s", communityID)
	}
	return count, nil
}

// CountDeletedByCommunity counts the deleted records of a community.
func (r *MessageRepository) CountDeletedByCommunity(ctx context.Context, communityID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Where("community_id = ? AND state = ?", communityID, models.StateDeleted).
		Count(&count).Error
	if err != nil {
		return 0, unavailable(err, "count deleted messages of %s", communityID)
	}
	return count, nil
}

// CountByState returns how many records are in each state, across all communities.
func (r *MessageRepository) CountByState(ctx context.Context) (map[models.DeletionState]int64, error) {
	var rows []struct {
		State models.DeletionState
		Total int64
	}
	err := r.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Select("state, count(*) as total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable(err, "count messages by state")
	}
	counts := map[models.DeletionState]int64{
		models.StatePending: 0,
		models.StateDeleted: 0,
	}
	for _, row := range rows {
		counts[row.State] = row.Total
	}
	return counts, nil
}

// CountOverdue counts pending messages already past their expiry.
func (r *MessageRepository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Where("expires_at <= ? AND state = ?", now, models.StatePending).
		Count(&count).Error
	if err != nil {
		return 0, unavailable(err, "count overdue messages")
	}
	return count, nil
}
