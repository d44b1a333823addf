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

// UpsertResult tells what an ownership upsert changed.
type UpsertResult int

const (
	OwnershipUnchanged UpsertResult = iota
	OwnershipAdded
	OwnershipUpdated
)

// OwnershipUpdate is one platform's view of a (user, game) pair.
type OwnershipUpdate struct {
	UserID          string
	GameID          string
	Platform        models.Platform
	PlaytimeMinutes int64
	LastPlayedAt    *time.Time
	PlaytimeReset   bool
}

type OwnershipStore struct {
	db *gorm.DB
}

func NewOwnershipStore(db *gorm.DB) *OwnershipStore {
	return &OwnershipStore{db: db}
}

func (s *OwnershipStore) Get(ctx context.Context, userID, gameID string) (*models.UserGameOwnership, error) {
	var o models.UserGameOwnership
	if err := s.db.WithContext(ctx).Where("user_id = ? AND game_id = ?", userID, gameID).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// Upsert inserts the ownership row or merges the update into it. Every merge
// step is a conditional UPDATE, so concurrent or repeated calls converge:
// playtime only grows (unless reset), last-played only moves forward and the
// platform bit is OR-ed in.
func (s *OwnershipStore) Upsert(ctx context.Context, u OwnershipUpdate) (UpsertResult, *models.UserGameOwnership, error) {
	bit := u.Platform.SourceBit()
	result := OwnershipUnchanged

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.UserGameOwnership{
			ID:              uuid.NewString(),
			UserID:          u.UserID,
			GameID:          u.GameID,
			PlaytimeMinutes: u.PlaytimeMinutes,
			LastPlayedAt:    u.LastPlayedAt,
			Sources:         bit,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "game_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to insert ownership: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			result = OwnershipAdded
			return nil
		}

		scope := func() *gorm.DB {
			return tx.Model(&models.UserGameOwnership{}).Where("user_id = ? AND game_id = ?", u.UserID, u.GameID)
		}
		var changed int64

		playtime := scope()
		if u.PlaytimeReset {
			playtime = playtime.Where("playtime_minutes <> ?", u.PlaytimeMinutes)
		} else {
			playtime = playtime.Where("playtime_minutes < ?", u.PlaytimeMinutes)
		}
		res = playtime.Update("playtime_minutes", u.PlaytimeMinutes)
		if res.Error != nil {
			return fmt.Errorf("failed to update playtime: %w", res.Error)
		}
		changed += res.RowsAffected

		if u.LastPlayedAt != nil {
			res = scope().Where("(last_played_at IS NULL OR last_played_at < ?)", *u.LastPlayedAt).
				Update("last_played_at", *u.LastPlayedAt)
			if res.Error != nil {
				return fmt.Errorf("failed to update last played: %w", res.Error)
			}
			changed += res.RowsAffected
		}

		res = scope().Where("(sources & ?) = 0", bit).Update("sources", gorm.Expr("sources | ?", bit))
		if res.Error != nil {
			return fmt.Errorf("failed to update sources: %w", res.Error)
		}
		changed += res.RowsAffected

		if changed > 0 {
			result = OwnershipUpdated
		}
		return nil
	})
	if err != nil {
		return OwnershipUnchanged, nil, err
	}

	o, err := s.Get(ctx, u.UserID, u.GameID)
	if err != nil {
		return OwnershipUnchanged, nil, err
	}
	return result, o, nil
}

func (s *OwnershipStore) MarkAchievementsSynced(ctx context.Context, ownershipID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.UserGameOwnership{}).
		Where("id = ?", ownershipID).
		UpdateColumn("achievements_synced_at", at).Error
}

func (s *OwnershipStore) ListForUser(ctx context.Context, userID string) ([]models.UserGameOwnership, error) {
	var out []models.UserGameOwnership
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Order("id ASC").Find(&out).Error
	return out, err
}

// CountForUser counts the games a user owns on the platform.
func (s *OwnershipStore) CountForUser(ctx context.Context, userID string, p models.Platform) (int64, error) {
	var n int64
	bit := p.SourceBit()
	err := s.db.WithContext(ctx).Model(&models.UserGameOwnership{}).
		Where("user_id = ? AND (sources & ?) <> 0", userID, bit).
		Count(&n).Error
	return n, err
}

// EnsureDefinition returns the achievement definition, creating it if unseen.
func (s *OwnershipStore) EnsureDefinition(ctx context.Context, p models.Platform, gameID, externalID, name string) (*models.AchievementDefinition, error) {
	db := s.db.WithContext(ctx)
	def := models.AchievementDefinition{ID: uuid.NewString(), Platform: p, GameID: gameID, ExternalID: externalID, Name: name}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "game_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&def)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create achievement definition: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &def, nil
	}

	var existing models.AchievementDefinition
	err := db.Where("platform = ? AND game_id = ? AND external_id = ?", p, gameID, externalID).First(&existing).Error
	if err != nil {
		return nil, notFound(err)
	}
	if name != "" && existing.Name == "" {
		db.Model(&existing).UpdateColumn("name", name)
	}
	return &existing, nil
}

// RecordUnlock stores an unlock event. The earliest unlock timestamp ever
// seen wins and an unlock is never revoked. It reports whether the
// achievement became unlocked by this call.
func (s *OwnershipStore) RecordUnlock(ctx context.Context, userID, definitionID string, unlocked bool, at *time.Time) (bool, error) {
	newly := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.UserAchievementUnlock{ID: uuid.NewString(), UserID: userID, DefinitionID: definitionID, Unlocked: unlocked}
		if unlocked {
			row.UnlockedAt = at
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "definition_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to insert unlock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			newly = unlocked
			return nil
		}
		if !unlocked {
			return nil
		}

		scope := func() *gorm.DB {
			return tx.Model(&models.UserAchievementUnlock{}).Where("user_id = ? AND definition_id = ?", userID, definitionID)
		}
		res = scope().Where("unlocked = ?", false).Updates(map[string]any{"unlocked": true, "unlocked_at": at})
		if res.Error != nil {
			return fmt.Errorf("failed to unlock: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			newly = true
			return nil
		}
		if at == nil {
			return nil
		}
		res = scope().Where("(unlocked_at IS NULL OR unlocked_at > ?)", *at).Update("unlocked_at", *at)
		return res.Error
	})
	return newly, err
}

func (s *OwnershipStore) Unlock(ctx context.Context, userID, definitionID string) (*models.UserAchievementUnlock, error) {
	var u models.UserAchievementUnlock
	if err := s.db.WithContext(ctx).Where("user_id = ? AND definition_id = ?", userID, definitionID).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
