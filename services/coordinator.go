package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"game-library-sync/config"
	"game-library-sync/locks"
	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
	"game-library-sync/platforms"
	"game-library-sync/store"
)

// SyncTask is the queue message that dispatches one import run.
type SyncTask struct {
	UserID              string             `json:"user_id"`
	Platform            models.Platform    `json:"platform"`
	IsSync              bool               `json:"is_sync"` // false for the initial import of a new link
	IsFast              bool               `json:"is_fast"`
	DisableAchievements bool               `json:"disable_achievements"`
	Trigger             models.TriggerKind `json:"trigger,omitempty"`

	// Set on retries so the attempt continues the same ImportRun.
	RunID              string `json:"run_id,omitempty"`
	Attempt            int    `json:"attempt,omitempty"`
	ContentionAttempts int    `json:"contention_attempts,omitempty"`
}

func (t SyncTask) trigger() models.TriggerKind {
	if t.Trigger != "" {
		return t.Trigger
	}
	if !t.IsSync {
		return models.TriggerFirstLogin
	}
	return models.TriggerManual
}

// RunResult is published after every attempt that reached a decision.
type RunResult struct {
	RunID          string            `json:"run_id"`
	UserID         string            `json:"user_id"`
	Platform       models.Platform   `json:"platform"`
	State          models.RunState   `json:"state"`
	Outcome        models.RunOutcome `json:"outcome,omitempty"`
	AccountStatus  models.SyncStatus `json:"account_status,omitempty"`
	Stats          RunStats          `json:"stats"`
	Attempt        int               `json:"attempt"`
	RetryScheduled bool              `json:"retry_scheduled"`
	DurationMS     int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Dispatcher enqueues sync tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, task SyncTask) error
	DispatchAfter(ctx context.Context, task SyncTask, delay time.Duration) error
}

// Notifier receives run results for the host application.
type Notifier interface {
	Notify(ctx context.Context, result RunResult) error
}

type CoordinatorDeps struct {
	DB         *gorm.DB
	Registry   *platforms.Registry
	Limiter    *platforms.RateLimiter
	Reconciler *Reconciler
	Locker     locks.Locker
	Dispatcher Dispatcher
	Notifier   Notifier
	Config     config.SyncConfig
	Now        func() time.Time
}

// Coordinator runs one import per (user, platform) at a time.
type Coordinator struct {
	runs       *store.RunStore
	accounts   *store.AccountStore
	registry   *platforms.Registry
	limiter    *platforms.RateLimiter
	reconciler *Reconciler
	locker     locks.Locker
	dispatcher Dispatcher
	notifier   Notifier
	cfg        config.SyncConfig
	now        func() time.Time
}

func NewCoordinator(d CoordinatorDeps) *Coordinator {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		runs:       store.NewRunStore(d.DB),
		accounts:   store.NewAccountStore(d.DB),
		registry:   d.Registry,
		limiter:    d.Limiter,
		reconciler: d.Reconciler,
		locker:     d.Locker,
		dispatcher: d.Dispatcher,
		notifier:   d.Notifier,
		cfg:        d.Config,
		now:        now,
	}
}

// Run executes one attempt of a sync task. It returns an error only when the
// task should be redelivered by the queue; every adapter outcome, lock
// contention included, is handled here.
func (c *Coordinator) Run(ctx context.Context, task SyncTask) error {
	adapter, err := c.registry.Get(task.Platform)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", task.UserID).Msg("[SYNC] Dropping task for unsupported platform")
		return c.abandonRetry(ctx, task, "platform adapter is no longer enabled")
	}

	link, err := c.accounts.Get(ctx, task.UserID, task.Platform)
	if errors.Is(err, store.ErrNotFound) {
		logging.Warn().Str("user_id", task.UserID).Str("platform", string(task.Platform)).Msg("[SYNC] Dropping task for unlinked account")
		return c.abandonRetry(ctx, task, "account is no longer linked")
	}
	if err != nil {
		return fmt.Errorf("load account link: %w", err)
	}
	if task.trigger() == models.TriggerScheduled && link.AutoSyncDisabled {
		logging.Debug().Str("user_id", task.UserID).Str("platform", string(task.Platform)).Msg("[SYNC] Automatic sync disabled for account")
		return c.abandonRetry(ctx, task, "automatic sync disabled for account")
	}

	key := locks.SyncKey(task.UserID, string(task.Platform))
	var result *RunResult
	err = locks.WithLock(ctx, c.locker, key, c.cfg.LockTTL, func(lockCtx context.Context) error {
		run, err := c.claimRun(lockCtx, task)
		if err != nil || run == nil {
			return err
		}
		result = c.execute(lockCtx, adapter, link, run, task)
		return nil
	})

	if errors.Is(err, locks.ErrNotAcquired) {
		c.onContention(ctx, task)
		return nil
	}
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	if result.RetryScheduled {
		retry := task
		retry.RunID = result.RunID
		retry.Attempt = result.Attempt + 1
		retry.ContentionAttempts = 0
		if err := c.dispatcher.DispatchAfter(context.WithoutCancel(ctx), retry, c.cfg.RetryDelay); err != nil {
			// The sweeper re-dispatches overdue retries.
			logging.Error().Err(err).Str("run_id", result.RunID).Msg("[SYNC] Failed to schedule retry")
		}
	}
	c.notify(ctx, *result)
	return nil
}

// abandonRetry finishes the pending run of a retry task that can no longer
// execute, so the sweeper stops re-dispatching it.
func (c *Coordinator) abandonRetry(ctx context.Context, task SyncTask, reason string) error {
	if task.RunID == "" {
		return nil
	}
	ok, err := c.runs.Update(ctx, task.RunID, []models.RunState{models.RunStateRetryScheduled}, map[string]any{
		"state":           models.RunStateError,
		"outcome":         models.RunOutcomeError,
		"finished_at":     c.now(),
		"next_attempt_at": nil,
		"error_message":   reason,
	})
	if err != nil {
		return fmt.Errorf("finish abandoned run: %w", err)
	}
	if ok {
		metrics.ImportRunsTotal.WithLabelValues(string(task.Platform), string(models.RunOutcomeError)).Inc()
		logging.Warn().Str("run_id", task.RunID).Str("reason", reason).Msg("[SYNC] Pending retry abandoned")
	}
	return nil
}

func (c *Coordinator) onContention(ctx context.Context, task SyncTask) {
	metrics.LockContentionTotal.WithLabelValues(string(task.Platform)).Inc()
	if task.ContentionAttempts >= c.cfg.MaxContentionRetries {
		logging.Info().Str("user_id", task.UserID).Str("platform", string(task.Platform)).Msg("[SYNC] Another sync kept the account busy, giving up on this request")
		return
	}
	next := task
	next.ContentionAttempts++
	logging.Debug().Str("user_id", task.UserID).Str("platform", string(task.Platform)).Int("attempt", next.ContentionAttempts).Msg("[SYNC] Account busy, rescheduling")
	if err := c.dispatcher.DispatchAfter(context.WithoutCancel(ctx), next, c.cfg.ContentionDelay); err != nil {
		logging.Error().Err(err).Msg("[SYNC] Failed to reschedule contended sync")
	}
}

// claimRun moves the task's run into Locked while the caller holds the
// account lock. It returns nil when there is nothing left to do.
func (c *Coordinator) claimRun(ctx context.Context, task SyncTask) (*models.ImportRun, error) {
	now := c.now()

	if task.RunID != "" {
		run, err := c.runs.Get(ctx, task.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		ok, err := c.runs.Update(ctx, run.ID, []models.RunState{models.RunStateRetryScheduled}, map[string]any{
			"state":           models.RunStateLocked,
			"heartbeat_at":    now,
			"next_attempt_at": nil,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			logging.Debug().Str("run_id", run.ID).Msg("[SYNC] Retry for a run that already moved on, ignoring")
			return nil, nil
		}
		run.State = models.RunStateLocked
		return run, nil
	}

	// While we hold the lock, an open run for this account is either a pending
	// retry, which this attempt takes over, or one left behind by a dead worker.
	open, err := c.runs.Unfinished(ctx, task.UserID, task.Platform)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	case open.State == models.RunStateRetryScheduled:
		ok, err := c.runs.Update(ctx, open.ID, []models.RunState{models.RunStateRetryScheduled}, map[string]any{
			"state":           models.RunStateLocked,
			"heartbeat_at":    now,
			"next_attempt_at": nil,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			open.State = models.RunStateLocked
			return open, nil
		}
	default:
		if _, err := c.runs.Update(ctx, open.ID, nil, map[string]any{
			"state":         models.RunStateError,
			"outcome":       models.RunOutcomeError,
			"finished_at":   now,
			"error_message": "abandoned by a worker that lost its lock",
		}); err != nil {
			return nil, err
		}
	}

	run := &models.ImportRun{
		ID:                  uuid.NewString(),
		UserID:              task.UserID,
		Platform:            task.Platform,
		Trigger:             task.trigger(),
		State:               models.RunStateLocked,
		StartedAt:           now,
		HeartbeatAt:         now,
		IsFast:              task.IsFast,
		AchievementsEnabled: !task.DisableAchievements,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create import run: %w", err)
	}
	return run, nil
}

type attemptOutput struct {
	stats RunStats
	err   error
}

// execute runs the adapter and reconciler under the run timeout and records
// the outcome. The lock is still held.
func (c *Coordinator) execute(ctx context.Context, adapter platforms.Adapter, link *models.ExternalAccountLink, run *models.ImportRun, task SyncTask) *RunResult {
	started := c.now()
	ok, err := c.runs.Update(ctx, run.ID, []models.RunState{models.RunStateLocked}, map[string]any{
		"state":        models.RunStateRunning,
		"heartbeat_at": started,
	})
	if err != nil || !ok {
		logging.Error().Err(err).Str("run_id", run.ID).Msg("[SYNC] Could not move run to running")
		return nil
	}

	logging.Info().
		Str("run_id", run.ID).
		Str("user_id", run.UserID).
		Str("platform", string(run.Platform)).
		Str("trigger", string(run.Trigger)).
		Int("attempt", run.RetryCount).
		Msg("[SYNC] Import run started")

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	// Buffered so an abandoned attempt can still finish and exit.
	done := make(chan attemptOutput, 1)
	go func() {
		stats, err := c.attempt(runCtx, adapter, link, run)
		done <- attemptOutput{stats: stats, err: err}
	}()

	var out attemptOutput
	select {
	case out = <-done:
		if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			out.err = fmt.Errorf("%w: %v", ErrRunTimeout, out.err)
		}
	case <-runCtx.Done():
		if ctx.Err() == nil {
			out.err = ErrRunTimeout
		} else {
			out.err = ctx.Err()
		}
	}

	return c.finish(context.WithoutCancel(ctx), link, run, out)
}

func (c *Coordinator) attempt(ctx context.Context, adapter platforms.Adapter, link *models.ExternalAccountLink, run *models.ImportRun) (RunStats, error) {
	accountID := link.ResolvedIdentifier
	if accountID == "" {
		resolved, err := adapter.ResolveIdentifier(ctx, link.AccountIdentifier, c.limiter)
		if err != nil {
			return RunStats{}, err
		}
		accountID = resolved
		if err := c.accounts.SetResolvedIdentifier(ctx, link.ID, resolved); err != nil {
			logging.Warn().Err(err).Str("link_id", link.ID).Msg("[SYNC] Failed to cache resolved identifier")
		}
	}

	games, err := adapter.FetchOwnedGames(ctx, accountID, c.limiter)
	if err != nil {
		return RunStats{}, err
	}
	_ = c.runs.Heartbeat(ctx, run.ID, c.now())

	opts := ReconcileOptions{
		AchievementsEnabled: run.AchievementsEnabled,
		IsFast:              run.IsFast,
		FastLookback:        c.cfg.FastLookback,
		AchievementBackoff:  c.cfg.AchievementBackoff,
		AchievementGrace:    c.cfg.AchievementGrace,
		AccountID:           accountID,
		Limiter:             c.limiter,
		Now:                 c.now,
	}
	if fetcher, ok := adapter.(platforms.AchievementFetcher); ok {
		opts.Fetcher = fetcher
	}
	return c.reconciler.Reconcile(ctx, run.UserID, run.Platform, games, opts)
}

// finish applies the retry policy and persists the run and link outcome.
func (c *Coordinator) finish(ctx context.Context, link *models.ExternalAccountLink, run *models.ImportRun, out attemptOutput) *RunResult {
	now := c.now()
	duration := now.Sub(run.StartedAt)
	result := &RunResult{
		RunID:      run.ID,
		UserID:     run.UserID,
		Platform:   run.Platform,
		Stats:      out.stats,
		Attempt:    run.RetryCount,
		DurationMS: duration.Milliseconds(),
		FinishedAt: now,
	}

	runFields := map[string]any{
		"heartbeat_at":          now,
		"added":                 out.stats.Added,
		"updated":               out.stats.Updated,
		"unchanged":             out.stats.Unchanged,
		"skipped":               out.stats.Skipped,
		"errored":               out.stats.Errored,
		"achievements_unlocked": out.stats.AchievementsUnlocked,
	}
	linkFields := map[string]any{"last_attempt_at": now}

	err := out.err
	switch {
	case err == nil:
		result.State, result.Outcome, result.AccountStatus = models.RunStateSuccess, models.RunOutcomeSuccess, models.SyncStatusOK
		linkFields["last_sync_at"] = now
		linkFields["last_sync_duration"] = duration

	case platforms.IsTerminal(err):
		kind, _ := platforms.KindOf(err)
		result.State, result.Outcome = models.RunStateError, models.RunOutcomeError
		result.AccountStatus = models.StatusForTerminal(kind == platforms.KindPrivate)
		linkFields["auto_sync_disabled"] = true

	case retryable(err) && run.RetryCount < c.cfg.MaxRetries:
		result.State = models.RunStateRetryScheduled
		result.RetryScheduled = true
		next := now.Add(c.cfg.RetryDelay)
		runFields["retry_count"] = run.RetryCount + 1
		runFields["next_attempt_at"] = next

	case retryable(err):
		result.State, result.Outcome, result.AccountStatus = models.RunStateError, models.RunOutcomeRetryExhausted, models.SyncStatusError

	default:
		result.State, result.Outcome, result.AccountStatus = models.RunStateError, models.RunOutcomeError, models.SyncStatusError
	}

	runFields["state"] = result.State
	if result.State.Terminal() {
		runFields["outcome"] = result.Outcome
		runFields["finished_at"] = now
	}
	if err != nil {
		result.Error = err.Error()
		runFields["error_message"] = result.Error
	}
	if result.AccountStatus != models.SyncStatusNone {
		linkFields["last_sync_status"] = result.AccountStatus
	}

	ok, updateErr := c.runs.Update(ctx, run.ID, []models.RunState{models.RunStateRunning}, runFields)
	if updateErr != nil || !ok {
		// The sweeper took the run over; its decision stands.
		logging.Warn().Err(updateErr).Str("run_id", run.ID).Msg("[SYNC] Run was finalized elsewhere")
		return nil
	}
	if err := c.accounts.RecordAttempt(ctx, link.ID, linkFields); err != nil {
		logging.Error().Err(err).Str("link_id", link.ID).Msg("[SYNC] Failed to update account link")
	}

	event := logging.Info()
	if err != nil {
		event = logging.Warn().Err(err)
	}
	event.
		Str("run_id", run.ID).
		Str("user_id", run.UserID).
		Str("platform", string(run.Platform)).
		Str("state", string(result.State)).
		Str("outcome", string(result.Outcome)).
		Int("added", out.stats.Added).
		Int("updated", out.stats.Updated).
		Int("errored", out.stats.Errored).
		Dur("duration", duration).
		Msg("[SYNC] Import run attempt finished")

	if result.State.Terminal() {
		metrics.ImportRunsTotal.WithLabelValues(string(run.Platform), string(result.Outcome)).Inc()
		metrics.ImportRunDuration.WithLabelValues(string(run.Platform)).Observe(duration.Seconds())
	}
	return result
}

// retryable covers transient adapter errors, timeouts and cancellation by a
// shutting-down worker.
func retryable(err error) bool {
	return platforms.IsTransient(err) ||
		errors.Is(err, ErrRunTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) notify(ctx context.Context, result RunResult) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(context.WithoutCancel(ctx), result); err != nil {
		logging.Warn().Err(err).Str("run_id", result.RunID).Msg("[SYNC] Failed to publish run result")
	}
}
