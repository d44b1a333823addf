// Package platforms holds one adapter per external game-ownership source.
//
// Adapters only talk to their platform. They never retry, never write to the
// catalog or ownership stores, and report failures as *Error so the caller can
// tell terminal account problems from transient outages.
package platforms

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"game-library-sync/models"
)

// OwnedGame is one raw game reported by a platform. It lives only for the
// duration of a run.
type OwnedGame struct {
	ExternalID      string
	Name            string
	Platform        models.Platform
	PlaytimeMinutes int64 // cumulative
	LastPlayedAt    *time.Time
	// PlaytimeReset is set only when the platform explicitly reports a reset,
	// allowing playtime to go down.
	PlaytimeReset bool
	Achievements  []AchievementUnlock
}

type AchievementUnlock struct {
	ExternalID string
	Name       string
	Unlocked   bool
	UnlockedAt *time.Time
}

// Adapter fetches a user's library from one platform. Timeouts come from ctx.
type Adapter interface {
	Platform() models.Platform
	// ResolveIdentifier turns what the user typed (vanity name, gamertag,
	// profile URL) into the id the platform API expects.
	ResolveIdentifier(ctx context.Context, identifier string, limiter *RateLimiter) (string, error)
	FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error)
}

// AchievementFetcher is implemented by adapters that expose per-game achievements.
type AchievementFetcher interface {
	FetchAchievements(ctx context.Context, externalGameID, accountID string, limiter *RateLimiter) ([]AchievementUnlock, error)
}

// Registry selects the adapter for a platform.
type Registry struct {
	adapters map[models.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(p models.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", p)
	}
	return a, nil
}

// Platforms returns the registered platforms in source-bit order.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceBit() < out[j].SourceBit() })
	return out
}

// ClampPlaytime maps negative values to zero.
func ClampPlaytime(minutes int64) int64 {
	if minutes < 0 {
		return 0
	}
	return minutes
}

// UnixOrNil converts a unix timestamp, treating zero and negative values as unknown.
func UnixOrNil(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// ParseTimeOrNil accepts RFC 3339 (with or without fractional seconds), a plain
// date, or a unix timestamp. Anything else, and any time before 1970, is nil.
func ParseTimeOrNil(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return UnixOrNil(sec)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			if t.Unix() <= 0 {
				return nil
			}
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func newOwnedGame(p models.Platform, externalID, name string, playtime int64, lastPlayed *time.Time) OwnedGame {
	return OwnedGame{
		ExternalID:      strings.TrimSpace(externalID),
		Name:            strings.TrimSpace(name),
		Platform:        p,
		PlaytimeMinutes: ClampPlaytime(playtime),
		LastPlayedAt:    lastPlayed,
	}
}
