package models

import (
	"time"
)

// TriggerKind tells why a sync was dispatched.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "manual"
	TriggerScheduled  TriggerKind = "scheduled"
	TriggerFirstLogin TriggerKind = "first_login"
)

// RunState follows Idle -> Locked -> Running -> {Success, Error, RetryScheduled}.
// RetryScheduled goes back to Locked on the next attempt.
type RunState string

const (
	RunStateLocked         RunState = "locked"
	RunStateRunning        RunState = "running"
	RunStateSuccess        RunState = "success"
	RunStateError          RunState = "error"
	RunStateRetryScheduled RunState = "retry_scheduled"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == RunStateSuccess || s == RunStateError
}

type RunOutcome string

const (
	RunOutcomeNone           RunOutcome = ""
	RunOutcomeSuccess        RunOutcome = "success"
	RunOutcomeError          RunOutcome = "error"
	RunOutcomeRetryExhausted RunOutcome = "retry_exhausted"
)

// ImportRun is one reconciliation attempt chain for a (user, platform) pair.
// Retries reuse the row; it is immutable once FinishedAt is set.
type ImportRun struct {
	ID       string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID   string      `gorm:"type:varchar(64);not null;index:idx_run_user_platform,priority:1" json:"user_id"`
	Platform Platform    `gorm:"type:varchar(32);not null;index:idx_run_user_platform,priority:2" json:"platform"`
	Trigger  TriggerKind `gorm:"type:varchar(16);not null" json:"trigger"`

	State   RunState   `gorm:"type:varchar(24);not null;index" json:"state"`
	Outcome RunOutcome `gorm:"type:varchar(24)" json:"outcome,omitempty"`

	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `gorm:"index" json:"finished_at,omitempty"`
	HeartbeatAt   time.Time  `gorm:"index" json:"heartbeat_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	RetryCount          int  `gorm:"default:0" json:"retry_count"`
	IsFast              bool `json:"is_fast"`
	AchievementsEnabled bool `json:"achievements_enabled"`

	Added                int    `json:"added"`
	Updated              int    `json:"updated"`
	Unchanged            int    `json:"unchanged"`
	Skipped              int    `json:"skipped"`
	Errored              int    `json:"errored"`
	AchievementsUnlocked int    `json:"achievements_unlocked"`
	ErrorMessage         string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Duration is the wall-clock time of the run, zero while unfinished.
func (r *ImportRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
