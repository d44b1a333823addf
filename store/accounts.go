package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-library-sync/models"
)

type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Get(ctx context.Context, userID string, p models.Platform) (*models.ExternalAccountLink, error) {
	var link models.ExternalAccountLink
	if err := s.db.WithContext(ctx).Where("user_id = ? AND platform = ?", userID, p).First(&link).Error; err != nil {
		return nil, notFound(err)
	}
	return &link, nil
}

// Link creates the account link or points it at a new identifier. Linking
// again always re-enables automatic syncs. created is true on the first link.
func (s *AccountStore) Link(ctx context.Context, userID string, p models.Platform, identifier string) (*models.ExternalAccountLink, bool, error) {
	db := s.db.WithContext(ctx)
	link := models.ExternalAccountLink{ID: uuid.NewString(), UserID: userID, Platform: p, AccountIdentifier: identifier}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "platform"}},
		DoNothing: true,
	}).Create(&link)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create account link: %w", res.Error)
	}
	created := res.RowsAffected == 1

	if !created {
		existing, err := s.Get(ctx, userID, p)
		if err != nil {
			return nil, false, err
		}
		fields := map[string]any{"auto_sync_disabled": false}
		if existing.AccountIdentifier != identifier {
			fields["account_identifier"] = identifier
			fields["resolved_identifier"] = ""
			fields["last_sync_status"] = models.SyncStatusNone
		}
		if err := db.Model(existing).Updates(fields).Error; err != nil {
			return nil, false, fmt.Errorf("failed to update account link: %w", err)
		}
	}

	out, err := s.Get(ctx, userID, p)
	return out, created, err
}

func (s *AccountStore) SetResolvedIdentifier(ctx context.Context, id, resolved string) error {
	return s.db.WithContext(ctx).Model(&models.ExternalAccountLink{}).
		Where("id = ?", id).
		Update("resolved_identifier", resolved).Error
}

// RecordAttempt stores the outcome of one sync attempt on the link.
func (s *AccountStore) RecordAttempt(ctx context.Context, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Model(&models.ExternalAccountLink{}).Where("id = ?", id).Updates(fields).Error
}

// SetOwnedGameCount stores the aggregate computed after a reconcile.
func (s *AccountStore) SetOwnedGameCount(ctx context.Context, userID string, p models.Platform, n int64) error {
	return s.db.WithContext(ctx).Model(&models.ExternalAccountLink{}).
		Where("user_id = ? AND platform = ?", userID, p).
		UpdateColumn("owned_game_count", n).Error
}

// DueForSync lists enabled links whose last successful sync and last attempt
// are both older than cutoff.
func (s *AccountStore) DueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.ExternalAccountLink, error) {
	var links []models.ExternalAccountLink
	err := s.db.WithContext(ctx).
		Where("auto_sync_disabled = ?", false).
		Where("(last_sync_at IS NULL OR last_sync_at < ?)", cutoff).
		Where("(last_attempt_at IS NULL OR last_attempt_at < ?)", cutoff).
		Order("last_attempt_at ASC").
		Limit(limit).
		Find(&links).Error
	return links, err
}

func (s *AccountStore) ListForUser(ctx context.Context, userID string) ([]models.ExternalAccountLink, error) {
	var links []models.ExternalAccountLink
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("platform ASC").Find(&links).Error
	return links, err
}
