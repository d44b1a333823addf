package services

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
	"game-library-sync/platforms"
	"game-library-sync/store"
)

// RunStats counts what one reconcile did. A record whose achievement replay
// failed is counted in Errored in addition to its ownership result.
type RunStats struct {
	Added                int `json:"added"`
	Updated              int `json:"updated"`
	Unchanged            int `json:"unchanged"`
	Skipped              int `json:"skipped"`
	Errored              int `json:"errored"`
	AchievementsUnlocked int `json:"achievements_unlocked"`
}

type ReconcileOptions struct {
	AchievementsEnabled bool
	IsFast              bool
	// FastLookback bounds fast syncs to records played within the window.
	FastLookback time.Duration
	// A game's achievements are replayed when never replayed before, when it
	// was played after (last replay - AchievementGrace), or when the last
	// replay is older than AchievementBackoff.
	AchievementBackoff time.Duration
	AchievementGrace   time.Duration

	// Fetcher loads achievements for records that carry none. Optional.
	Fetcher   platforms.AchievementFetcher
	AccountID string
	Limiter   *platforms.RateLimiter

	Now func() time.Time
}

// Reconciler turns one platform's owned-game list into ownership and
// achievement rows.
type Reconciler struct {
	matcher   *Matcher
	catalog   *store.CatalogStore
	ownership *store.OwnershipStore
	accounts  *store.AccountStore
}

func NewReconciler(db *gorm.DB, matcher *Matcher) *Reconciler {
	return &Reconciler{
		matcher:   matcher,
		catalog:   store.NewCatalogStore(db),
		ownership: store.NewOwnershipStore(db),
		accounts:  store.NewAccountStore(db),
	}
}

// Reconcile processes records in order. A failing record is counted and
// skipped; only cancellation of ctx stops the loop early.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, p models.Platform, records []platforms.OwnedGame, opts ReconcileOptions) (RunStats, error) {
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now()
	}

	var stats RunStats
	touched := make(map[string]struct{})

	for i := range records {
		if err := ctx.Err(); err != nil {
			r.recount(ctx, userID, p, touched)
			return stats, err
		}
		rec := &records[i]

		if opts.IsFast && !playedSince(rec.LastPlayedAt, now.Add(-opts.FastLookback)) {
			stats.Skipped++
			continue
		}

		match, err := r.matcher.Resolve(ctx, p, rec.ExternalID, rec.Name)
		if err != nil {
			stats.Errored++
			logging.Warn().Err(err).Str("user_id", userID).Str("platform", string(p)).Str("external_id", rec.ExternalID).Msg("[SYNC] Failed to resolve game")
			continue
		}

		result, own, err := r.ownership.Upsert(ctx, store.OwnershipUpdate{
			UserID:          userID,
			GameID:          match.Game.ID,
			Platform:        p,
			PlaytimeMinutes: platforms.ClampPlaytime(rec.PlaytimeMinutes),
			LastPlayedAt:    rec.LastPlayedAt,
			PlaytimeReset:   rec.PlaytimeReset,
		})
		if err != nil {
			stats.Errored++
			logging.Warn().Err(err).Str("user_id", userID).Str("game_id", match.Game.ID).Msg("[SYNC] Failed to upsert ownership")
			continue
		}
		touched[match.Game.ID] = struct{}{}

		switch result {
		case store.OwnershipAdded:
			stats.Added++
		case store.OwnershipUpdated:
			stats.Updated++
		default:
			stats.Unchanged++
		}

		if opts.AchievementsEnabled && achievementsDue(own, rec, opts, now) {
			unlocked, err := r.replayAchievements(ctx, userID, p, match.Game.ID, rec, opts)
			if err != nil {
				stats.Errored++
				logging.Warn().Err(err).Str("user_id", userID).Str("game_id", match.Game.ID).Msg("[SYNC] Achievement replay failed")
				continue
			}
			stats.AchievementsUnlocked += unlocked
			if err := r.ownership.MarkAchievementsSynced(ctx, own.ID, now); err != nil {
				logging.Warn().Err(err).Str("ownership_id", own.ID).Msg("[SYNC] Failed to mark achievements synced")
			}
		}
	}

	r.recount(ctx, userID, p, touched)
	observe(p, stats)
	return stats, nil
}

func playedSince(lastPlayed *time.Time, cutoff time.Time) bool {
	return lastPlayed != nil && !lastPlayed.Before(cutoff)
}

func achievementsDue(own *models.UserGameOwnership, rec *platforms.OwnedGame, opts ReconcileOptions, now time.Time) bool {
	if own.AchievementsSyncedAt == nil {
		return true
	}
	synced := *own.AchievementsSyncedAt
	if rec.LastPlayedAt != nil && rec.LastPlayedAt.After(synced.Add(-opts.AchievementGrace)) {
		return true
	}
	return opts.AchievementBackoff > 0 && now.Sub(synced) > opts.AchievementBackoff
}

func (r *Reconciler) replayAchievements(ctx context.Context, userID string, p models.Platform, gameID string, rec *platforms.OwnedGame, opts ReconcileOptions) (int, error) {
	unlocks := rec.Achievements
	if len(unlocks) == 0 && opts.Fetcher != nil {
		fetched, err := opts.Fetcher.FetchAchievements(ctx, rec.ExternalID, opts.AccountID, opts.Limiter)
		if err != nil {
			return 0, err
		}
		unlocks = fetched
	}

	newly := 0
	for _, a := range unlocks {
		if a.ExternalID == "" {
			continue
		}
		def, err := r.ownership.EnsureDefinition(ctx, p, gameID, a.ExternalID, a.Name)
		if err != nil {
			return newly, err
		}
		ok, err := r.ownership.RecordUnlock(ctx, userID, def.ID, a.Unlocked, a.UnlockedAt)
		if err != nil {
			return newly, err
		}
		if ok {
			newly++
		}
	}
	return newly, nil
}

// recount refreshes the aggregates derived from ownership rows.
func (r *Reconciler) recount(ctx context.Context, userID string, p models.Platform, touched map[string]struct{}) {
	// Aggregates must land even when the run context was cancelled mid-way.
	ctx = context.WithoutCancel(ctx)

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := r.catalog.RecountOwners(ctx, ids); err != nil {
		logging.Error().Err(err).Msg("[SYNC] Failed to recount game owners")
	}

	n, err := r.ownership.CountForUser(ctx, userID, p)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("[SYNC] Failed to count owned games")
		return
	}
	if err := r.accounts.SetOwnedGameCount(ctx, userID, p, n); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("[SYNC] Failed to store owned game count")
	}
}

func observe(p models.Platform, s RunStats) {
	platform := string(p)
	metrics.ReconciledRecordsTotal.WithLabelValues(platform, "added").Add(float64(s.Added))
	metrics.ReconciledRecordsTotal.WithLabelValues(platform, "updated").Add(float64(s.Updated))
	metrics.ReconciledRecordsTotal.WithLabelValues(platform, "unchanged").Add(float64(s.Unchanged))
	metrics.ReconciledRecordsTotal.WithLabelValues(platform, "skipped").Add(float64(s.Skipped))
	metrics.ReconciledRecordsTotal.WithLabelValues(platform, "errored").Add(float64(s.Errored))
	metrics.AchievementsUnlockedTotal.WithLabelValues(platform).Add(float64(s.AchievementsUnlocked))
}
