package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"game-library-sync/config"
	"game-library-sync/locks"
	"game-library-sync/models"
	"game-library-sync/platforms"
	"game-library-sync/store"
	"game-library-sync/store/storetest"
)

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	t = t.UTC()
	return &t
}

type fakeAdapter struct {
	platform models.Platform

	mu           sync.Mutex
	games        []platforms.OwnedGame
	fetchErr     error
	resolveErr   error
	achievements map[string][]platforms.AchievementUnlock
	resolves     int
	fetches      int
	inFlight     int
	maxInFlight  int

	// When set, FetchOwnedGames blocks until the channel closes, ignoring ctx.
	block   chan struct{}
	started chan struct{}
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }

func (f *fakeAdapter) ResolveIdentifier(_ context.Context, identifier string, _ *platforms.RateLimiter) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "resolved-" + identifier, nil
}

func (f *fakeAdapter) FetchOwnedGames(ctx context.Context, _ string, _ *platforms.RateLimiter) ([]platforms.OwnedGame, error) {
	f.mu.Lock()
	f.fetches++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block, started := f.block, f.started
	games, err := f.games, f.fetchErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return games, err
}

func (f *fakeAdapter) FetchAchievements(_ context.Context, externalGameID, _ string, _ *platforms.RateLimiter) ([]platforms.AchievementUnlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.achievements[externalGameID], nil
}

func (f *fakeAdapter) setGames(games ...platforms.OwnedGame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games = games
}

type dispatched struct {
	task  SyncTask
	delay time.Duration
}

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []dispatched
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task SyncTask) error {
	return d.DispatchAfter(context.Background(), task, 0)
}

func (d *fakeDispatcher) DispatchAfter(_ context.Context, task SyncTask, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, dispatched{task: task, delay: delay})
	return nil
}

func (d *fakeDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.tasks...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []RunResult
}

func (n *fakeNotifier) Notify(_ context.Context, r RunResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return nil
}

func (n *fakeNotifier) last() RunResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) == 0 {
		return RunResult{}
	}
	return n.results[len(n.results)-1]
}

type harness struct {
	db          *gorm.DB
	adapter     *fakeAdapter
	locker      *locks.MemoryLocker
	dispatcher  *fakeDispatcher
	notifier    *fakeNotifier
	coordinator *Coordinator
	accounts    *store.AccountStore
	runs        *store.RunStore
	cfg         config.SyncConfig
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		LockTTL:              time.Minute,
		RunTimeout:           5 * time.Second,
		MaxRetries:           2,
		RetryDelay:           30 * time.Second,
		ContentionDelay:      time.Minute,
		MaxContentionRetries: 2,
		StaleThreshold:       15 * time.Minute,
		AutoSyncInterval:     24 * time.Hour,
		AutoSyncBatch:        100,
		FastLookback:         14 * 24 * time.Hour,
		AchievementBackoff:   7 * 24 * time.Hour,
		AchievementGrace:     48 * time.Hour,
	}
}

func newHarness(t *testing.T, tweak func(*config.SyncConfig)) *harness {
	t.Helper()
	db := storetest.New(t)
	cfg := testSyncConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		db:         db,
		adapter:    &fakeAdapter{platform: models.PlatformSteam},
		locker:     locks.NewMemoryLocker(),
		dispatcher: &fakeDispatcher{},
		notifier:   &fakeNotifier{},
		accounts:   store.NewAccountStore(db),
		runs:       store.NewRunStore(db),
		cfg:        cfg,
	}
	h.coordinator = NewCoordinator(CoordinatorDeps{
		DB:         db,
		Registry:   platforms.NewRegistry(h.adapter),
		Reconciler: NewReconciler(db, NewMatcher(db)),
		Locker:     h.locker,
		Dispatcher: h.dispatcher,
		Notifier:   h.notifier,
		Config:     cfg,
	})
	return h
}

func (h *harness) link(t *testing.T, userID, identifier string) *models.ExternalAccountLink {
	t.Helper()
	link, _, err := h.accounts.Link(context.Background(), userID, models.PlatformSteam, identifier)
	require.NoError(t, err)
	return link
}

func (h *harness) onlyRun(t *testing.T, userID string) models.ImportRun {
	t.Helper()
	runs, err := h.runs.List(context.Background(), store.RunFilter{UserID: userID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func runFilter(userID string) store.RunFilter {
	return store.RunFilter{UserID: userID}
}
