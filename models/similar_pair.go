package models

import (
	"time"
)

type PairResolution string

const (
	PairUnresolved PairResolution = ""
	PairMerged     PairResolution = "merged"
	PairRejected   PairResolution = "rejected"
	PairSuperseded PairResolution = "superseded" // one side was merged away through another pair
)

// SimilarGamePair is a candidate duplicate proposed by the periodic scan.
// FirstGameID < SecondGameID so that each unordered pair is stored once.
type SimilarGamePair struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FirstGameID  string         `gorm:"type:varchar(36);not null;uniqueIndex:uq_pair_games,priority:1" json:"first_game_id"`
	SecondGameID string         `gorm:"type:varchar(36);not null;uniqueIndex:uq_pair_games,priority:2;index" json:"second_game_id"`
	Score        float64        `json:"score"`
	Ignored      bool           `gorm:"default:false;index" json:"ignored"`
	Resolution   PairResolution `gorm:"type:varchar(16);index" json:"resolution,omitempty"`
	SurvivorID   *string        `gorm:"type:varchar(36)" json:"survivor_id,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// Open reports whether an operator can still act on the pair.
func (p *SimilarGamePair) Open() bool {
	return p.Resolution == PairUnresolved && !p.Ignored
}

// OrderedPair returns the two ids in storage order.
func OrderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
