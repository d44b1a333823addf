package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-library-sync/models"
	"game-library-sync/platforms"
	"game-library-sync/store"
	"game-library-sync/store/storetest"
)

func newReconciler(t *testing.T) (*Reconciler, *store.CatalogStore, *store.OwnershipStore) {
	t.Helper()
	db := storetest.New(t)
	return NewReconciler(db, NewMatcher(db)), store.NewCatalogStore(db), store.NewOwnershipStore(db)
}

func TestReconcile_PlaytimeNeverRegresses(t *testing.T) {
	ctx := context.Background()
	r, catalog, ownership := newReconciler(t)

	run := func(playtime int64) RunStats {
		stats, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{
			{ExternalID: "10", Name: "Half-Life", PlaytimeMinutes: playtime},
		}, ReconcileOptions{})
		require.NoError(t, err)
		return stats
	}

	stats := run(120)
	assert.Equal(t, 1, stats.Added)

	game, err := catalog.GameByCrossRef(ctx, models.PlatformSteam, "10")
	require.NoError(t, err)
	assert.Equal(t, "Half-Life", game.Name)
	assert.EqualValues(t, 1, game.OwnerCount)

	own, err := ownership.Get(ctx, "user-1", game.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 120, own.PlaytimeMinutes)

	stats = run(90)
	assert.Equal(t, 1, stats.Unchanged)
	own, err = ownership.Get(ctx, "user-1", game.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 120, own.PlaytimeMinutes)

	stats = run(200)
	assert.Equal(t, 1, stats.Updated)
	own, err = ownership.Get(ctx, "user-1", game.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, own.PlaytimeMinutes)
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	r, _, ownership := newReconciler(t)

	records := []platforms.OwnedGame{
		{ExternalID: "220", Name: "Half-Life 2", PlaytimeMinutes: 600, LastPlayedAt: at("2026-01-02T10:00:00Z")},
		{ExternalID: "400", Name: "Portal", PlaytimeMinutes: 240},
		{ExternalID: "620", Name: "Portal 2", PlaytimeMinutes: 0},
	}
	first, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, records, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunStats{Added: 3}, first)

	before, err := ownership.ListForUser(ctx, "user-1")
	require.NoError(t, err)

	second, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, records, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunStats{Unchanged: 3}, second)

	after, err := ownership.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].PlaytimeMinutes, after[i].PlaytimeMinutes)
		assert.Equal(t, before[i].Sources, after[i].Sources)
	}
}

func TestReconcile_SecondPlatformSetsSourceBit(t *testing.T) {
	ctx := context.Background()
	r, catalog, ownership := newReconciler(t)

	_, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{{ExternalID: "105600", Name: "Terraria", PlaytimeMinutes: 50}}, ReconcileOptions{})
	require.NoError(t, err)
	stats, err := r.Reconcile(ctx, "user-1", models.PlatformGOG, []platforms.OwnedGame{{ExternalID: "1207665503", Name: "Terraria", PlaytimeMinutes: 10}}, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	game, err := catalog.GameByCrossRef(ctx, models.PlatformGOG, "1207665503")
	require.NoError(t, err)
	own, err := ownership.Get(ctx, "user-1", game.ID)
	require.NoError(t, err)
	assert.True(t, own.OwnedOn(models.PlatformSteam))
	assert.True(t, own.OwnedOn(models.PlatformGOG))
	assert.EqualValues(t, 50, own.PlaytimeMinutes)
	assert.EqualValues(t, 1, game.OwnerCount)
}

func TestReconcile_FastSyncSkipsStaleRecords(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newReconciler(t)
	now := *at("2026-03-01T00:00:00Z")

	stats, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{
		{ExternalID: "1", Name: "Recent", LastPlayedAt: at("2026-02-25T00:00:00Z")},
		{ExternalID: "2", Name: "Old", LastPlayedAt: at("2025-01-01T00:00:00Z")},
		{ExternalID: "3", Name: "Never Played"},
	}, ReconcileOptions{IsFast: true, FastLookback: 14 * 24 * time.Hour, Now: func() time.Time { return now }})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 2, stats.Skipped)
}

func TestReconcile_RecordFailuresDoNotAbort(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newReconciler(t)

	stats, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{
		{ExternalID: "1", Name: "Celeste"},
		{},
		{ExternalID: "3", Name: "Hades"},
	}, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Added)
	assert.Equal(t, 1, stats.Errored)
}

func TestReconcile_AchievementsFirstUnlockWins(t *testing.T) {
	ctx := context.Background()
	r, catalog, ownership := newReconciler(t)
	clock := *at("2026-03-01T00:00:00Z")
	opts := ReconcileOptions{
		AchievementsEnabled: true,
		AchievementBackoff:  7 * 24 * time.Hour,
		AchievementGrace:    48 * time.Hour,
		Now:                 func() time.Time { return clock },
	}

	first, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{{
		ExternalID: "70", Name: "Half-Life", LastPlayedAt: at("2026-02-28T00:00:00Z"),
		Achievements: []platforms.AchievementUnlock{
			{ExternalID: "HL_KILL_100", Name: "Hundred", Unlocked: true, UnlockedAt: at("2026-02-20T00:00:00Z")},
			{ExternalID: "HL_FINISH", Name: "Finish"},
		},
	}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AchievementsUnlocked)

	// A later source reports the same unlock later and the locked one unlocked.
	second, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, []platforms.OwnedGame{{
		ExternalID: "70", Name: "Half-Life", LastPlayedAt: at("2026-02-28T00:00:00Z"),
		Achievements: []platforms.AchievementUnlock{
			{ExternalID: "HL_KILL_100", Unlocked: true, UnlockedAt: at("2026-02-27T00:00:00Z")},
			{ExternalID: "HL_FINISH", Unlocked: true, UnlockedAt: at("2026-02-28T00:00:00Z")},
		},
	}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.AchievementsUnlocked)

	game, err := catalog.GameByCrossRef(ctx, models.PlatformSteam, "70")
	require.NoError(t, err)
	def, err := ownership.EnsureDefinition(ctx, models.PlatformSteam, game.ID, "HL_KILL_100", "")
	require.NoError(t, err)
	unlock, err := ownership.Unlock(ctx, "user-1", def.ID)
	require.NoError(t, err)
	assert.True(t, unlock.Unlocked)
	assert.True(t, unlock.UnlockedAt.Equal(*at("2026-02-20T00:00:00Z")))
}

func TestReconcile_FetchesAchievementsWhenDue(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newReconciler(t)
	fetcher := &fakeAdapter{
		platform: models.PlatformSteam,
		achievements: map[string][]platforms.AchievementUnlock{
			"400": {{ExternalID: "PORTAL_CAKE", Unlocked: true, UnlockedAt: at("2025-06-01T00:00:00Z")}},
		},
	}
	clock := *at("2026-03-01T00:00:00Z")
	opts := ReconcileOptions{
		AchievementsEnabled: true,
		AchievementBackoff:  7 * 24 * time.Hour,
		AchievementGrace:    48 * time.Hour,
		Fetcher:             fetcher,
		Now:                 func() time.Time { return clock },
	}
	records := []platforms.OwnedGame{{ExternalID: "400", Name: "Portal", LastPlayedAt: at("2025-06-01T00:00:00Z")}}

	stats, err := r.Reconcile(ctx, "user-1", models.PlatformSteam, records, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AchievementsUnlocked)

	// Not played since the last replay and inside the backoff: nothing to fetch.
	fetcher.achievements["400"] = append(fetcher.achievements["400"], platforms.AchievementUnlock{ExternalID: "PORTAL_FAST", Unlocked: true})
	clock = clock.Add(24 * time.Hour)
	stats, err = r.Reconcile(ctx, "user-1", models.PlatformSteam, records, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AchievementsUnlocked)

	// Past the backoff the game is replayed again.
	clock = clock.Add(8 * 24 * time.Hour)
	stats, err = r.Reconcile(ctx, "user-1", models.PlatformSteam, records, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AchievementsUnlocked)
}

func TestAchievementsDue(t *testing.T) {
	now := *at("2026-03-10T00:00:00Z")
	synced := at("2026-03-05T00:00:00Z")
	opts := ReconcileOptions{AchievementBackoff: 7 * 24 * time.Hour, AchievementGrace: 48 * time.Hour}

	never := &models.UserGameOwnership{}
	assert.True(t, achievementsDue(never, &platforms.OwnedGame{}, opts, now))

	own := &models.UserGameOwnership{AchievementsSyncedAt: synced}
	assert.False(t, achievementsDue(own, &platforms.OwnedGame{LastPlayedAt: at("2026-03-01T00:00:00Z")}, opts, now))
	assert.True(t, achievementsDue(own, &platforms.OwnedGame{LastPlayedAt: at("2026-03-04T00:00:00Z")}, opts, now))
	assert.False(t, achievementsDue(own, &platforms.OwnedGame{}, opts, now))
	assert.True(t, achievementsDue(own, &platforms.OwnedGame{}, opts, now.Add(5*24*time.Hour)))
}
