package models

import (
	"time"
)

// UserGameOwnership joins a user to a canonical game. Unique per (user, game).
// Playtime never decreases unless a platform explicitly reports a reset.
type UserGameOwnership struct {
	ID     string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID string `gorm:"type:varchar(64);not null;uniqueIndex:uq_ownership_user_game,priority:1" json:"user_id"`
	GameID string `gorm:"type:varchar(36);not null;uniqueIndex:uq_ownership_user_game,priority:2;index" json:"game_id"`

	PlaytimeMinutes int64      `gorm:"default:0;not null" json:"playtime_minutes"`
	LastPlayedAt    *time.Time `json:"last_played_at,omitempty"`

	// One bit per platform that reported ownership, see Platform.SourceBit.
	Sources uint32 `gorm:"default:0;not null" json:"sources"`

	AchievementsSyncedAt *time.Time `json:"achievements_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// OwnedOn reports whether the platform's source bit is set.
func (o *UserGameOwnership) OwnedOn(p Platform) bool {
	return o.Sources&p.SourceBit() != 0
}
