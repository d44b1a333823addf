// models/game.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// CanonicalGame is the single deduplicated catalog entry for one real-world game.
// Synonyms and cross-references exist so that the matcher never creates a second one.
type CanonicalGame struct {
	ID             string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name           string `json:"name" gorm:"not null"`
	Slug           string `json:"slug" gorm:"type:varchar(255);uniqueIndex;not null"`
	NormalizedName string `json:"normalized_name" gorm:"type:varchar(255);index;not null"`

	// Denormalized, recomputed after each reconcile and merge.
	OwnerCount int64 `json:"owner_count" gorm:"default:0;not null"`

	// Created without any name match; first candidate for duplicate review.
	LowConfidence bool `json:"low_confidence" gorm:"default:false"`

	// Set when the game lost a duplicate merge. The row is soft-deleted at the same time.
	MergedIntoID *string `json:"merged_into_id,omitempty" gorm:"type:varchar(36);index"`

	Synonyms  []GameSynonym  `json:"synonyms,omitempty" gorm:"foreignKey:GameID"`
	CrossRefs []GameCrossRef `json:"cross_refs,omitempty" gorm:"foreignKey:GameID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// GameSynonym is an alternative name a canonical game is known by.
type GameSynonym struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	GameID         string    `json:"game_id" gorm:"type:varchar(36);not null;uniqueIndex:uq_synonym_game_name,priority:1"`
	Name           string    `json:"name" gorm:"not null"`
	NormalizedName string    `json:"normalized_name" gorm:"type:varchar(255);not null;index;uniqueIndex:uq_synonym_game_name,priority:2"`
	CreatedAt      time.Time `json:"created_at"`
}

// GameCrossRef maps a (platform, external id) pair to a canonical game.
// At most one mapping exists per pair; it is the matcher's O(1) path.
type GameCrossRef struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Platform   Platform  `json:"platform" gorm:"type:varchar(32);not null;uniqueIndex:uq_crossref_platform_external,priority:1"`
	ExternalID string    `json:"external_id" gorm:"type:varchar(255);not null;uniqueIndex:uq_crossref_platform_external,priority:2"`
	GameID     string    `json:"game_id" gorm:"type:varchar(36);not null;index"`
	CreatedAt  time.Time `json:"created_at"`
}

// MatchCollision records an ambiguous name match for manual review.
type MatchCollision struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	NormalizedName string    `json:"normalized_name" gorm:"type:varchar(255);index;not null"`
	Platform       Platform  `json:"platform" gorm:"type:varchar(32)"`
	ExternalID     string    `json:"external_id"`
	ChosenGameID   string    `json:"chosen_game_id" gorm:"type:varchar(36);not null"`
	CandidateIDs   string    `json:"candidate_ids"` // comma separated
	Reviewed       bool      `json:"reviewed" gorm:"default:false;index"`
	CreatedAt      time.Time `json:"created_at"`
}
