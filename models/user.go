package models

import (
	"time"
)

// SyncStatus is the last outcome shown to the user on a linked account.
type SyncStatus string

const (
	SyncStatusNone        SyncStatus = ""
	SyncStatusOK          SyncStatus = "ok"
	SyncStatusError       SyncStatus = "error"
	SyncStatusUnavailable SyncStatus = "unavailable" // account not found on the platform
	SyncStatusPrivate     SyncStatus = "private"
)

// ExternalAccountLink is one user's identity on one external platform.
// Never deleted: it carries the audit trail and the auto-sync decision.
type ExternalAccountLink struct {
	ID                 string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID             string   `gorm:"type:varchar(64);not null;uniqueIndex:uq_account_user_platform,priority:1" json:"user_id"`
	Platform           Platform `gorm:"type:varchar(32);not null;uniqueIndex:uq_account_user_platform,priority:2;index" json:"platform"`
	AccountIdentifier  string   `gorm:"not null" json:"account_identifier"`
	ResolvedIdentifier string   `json:"resolved_identifier,omitempty"` // e.g. SteamID64 for a vanity name

	LastSyncAt       *time.Time    `json:"last_sync_at,omitempty"` // last successful sync
	LastSyncStatus   SyncStatus    `gorm:"type:varchar(16)" json:"last_sync_status"`
	LastSyncDuration time.Duration `json:"last_sync_duration"`
	LastAttemptAt    *time.Time    `json:"last_attempt_at,omitempty"`

	// Set after a terminal adapter error; automatic syncs skip the account until it is re-linked.
	AutoSyncDisabled bool `gorm:"default:false;index" json:"auto_sync_disabled"`

	OwnedGameCount int64 `gorm:"default:0" json:"owned_game_count"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// StatusForTerminal maps a terminal adapter outcome to the link status.
func StatusForTerminal(private bool) SyncStatus {
	if private {
		return SyncStatusPrivate
	}
	return SyncStatusUnavailable
}
