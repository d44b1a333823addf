package models

import (
	"time"
)

// AchievementDefinition is one platform achievement of one canonical game.
type AchievementDefinition struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Platform   Platform  `gorm:"type:varchar(32);not null;uniqueIndex:uq_achievement_platform_game_ext,priority:1" json:"platform"`
	GameID     string    `gorm:"type:varchar(36);not null;uniqueIndex:uq_achievement_platform_game_ext,priority:2;index" json:"game_id"`
	ExternalID string    `gorm:"type:varchar(255);not null;uniqueIndex:uq_achievement_platform_game_ext,priority:3" json:"external_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// UserAchievementUnlock is a user's unlock of a definition.
// The earliest unlock timestamp ever seen wins.
type UserAchievementUnlock struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID       string     `gorm:"type:varchar(64);not null;uniqueIndex:uq_unlock_user_definition,priority:1" json:"user_id"`
	DefinitionID string     `gorm:"type:varchar(36);not null;uniqueIndex:uq_unlock_user_definition,priority:2;index" json:"definition_id"`
	Unlocked     bool       `gorm:"default:false" json:"unlocked"`
	UnlockedAt   *time.Time `json:"unlocked_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
