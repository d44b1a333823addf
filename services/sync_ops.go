package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"game-library-sync/locks"
	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
	"game-library-sync/store"
)

// LinkAccount records the user's identifier on a platform and queues an
// import. The first link queues a full initial import; a re-link queues a
// manual sync and re-enables automatic syncs.
func (c *Coordinator) LinkAccount(ctx context.Context, userID string, p models.Platform, identifier string) (*models.ExternalAccountLink, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}
	if _, err := c.registry.Get(p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, p)
	}

	link, created, err := c.accounts.Link(ctx, userID, p, identifier)
	if err != nil {
		return nil, err
	}

	task := SyncTask{UserID: userID, Platform: p, IsSync: !created}
	if err := c.dispatcher.Dispatch(ctx, task); err != nil {
		return link, fmt.Errorf("failed to queue import: %w", err)
	}

	logging.Info().
		Str("user_id", userID).
		Str("platform", string(p)).
		Bool("created", created).
		Msg("[SYNC] Account linked")
	return link, nil
}

type SyncRequest struct {
	IsFast              bool
	DisableAchievements bool
}

// RequestSync queues a manual sync of an already linked account.
func (c *Coordinator) RequestSync(ctx context.Context, userID string, p models.Platform, req SyncRequest) error {
	if _, err := c.registry.Get(p); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupported, p)
	}
	if _, err := c.accounts.Get(ctx, userID, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	return c.dispatcher.Dispatch(ctx, SyncTask{
		UserID:              userID,
		Platform:            p,
		IsSync:              true,
		IsFast:              req.IsFast,
		DisableAchievements: req.DisableAchievements,
		Trigger:             models.TriggerManual,
	})
}

// ScheduleDueSyncs queues incremental syncs for accounts that have not been
// synced or attempted within the auto-sync interval.
func (c *Coordinator) ScheduleDueSyncs(ctx context.Context) (int, error) {
	now := c.now()
	links, err := c.accounts.DueForSync(ctx, now.Add(-c.cfg.AutoSyncInterval), c.cfg.AutoSyncBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts due for sync: %w", err)
	}

	queued := 0
	for _, link := range links {
		if _, err := c.registry.Get(link.Platform); err != nil {
			continue
		}
		// Stamp first so the next check does not queue it again.
		if err := c.accounts.RecordAttempt(ctx, link.ID, map[string]any{"last_attempt_at": now}); err != nil {
			logging.Error().Err(err).Str("link_id", link.ID).Msg("[SYNC] Failed to stamp scheduled account")
			continue
		}
		task := SyncTask{
			UserID:   link.UserID,
			Platform: link.Platform,
			IsSync:   true,
			IsFast:   link.LastSyncAt != nil,
			Trigger:  models.TriggerScheduled,
		}
		if err := c.dispatcher.Dispatch(ctx, task); err != nil {
			logging.Error().Err(err).Str("link_id", link.ID).Msg("[SYNC] Failed to queue scheduled sync")
			continue
		}
		queued++
	}

	if queued > 0 {
		logging.Info().Int("queued", queued).Msg("[SYNC] Scheduled automatic syncs")
	}
	return queued, nil
}

// SweepStale takes over runs whose worker stopped heartbeating. They get a
// retry if any are left, the lock is forced free, and the retry is queued.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	now := c.now()
	stale, err := c.runs.Stale(ctx, now.Add(-c.cfg.StaleThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	swept := 0
	for i := range stale {
		run := &stale[i]
		active := []models.RunState{models.RunStateLocked, models.RunStateRunning}

		if run.RetryCount >= c.cfg.MaxRetries {
			ok, err := c.runs.Update(ctx, run.ID, active, map[string]any{
				"state":         models.RunStateError,
				"outcome":       models.RunOutcomeRetryExhausted,
				"finished_at":   now,
				"error_message": "worker stopped responding",
			})
			if err != nil || !ok {
				continue
			}
			if link, err := c.accounts.Get(ctx, run.UserID, run.Platform); err == nil {
				_ = c.accounts.RecordAttempt(ctx, link.ID, map[string]any{
					"last_attempt_at":  now,
					"last_sync_status": models.SyncStatusError,
				})
			}
			_ = c.locker.ForceRelease(ctx, locks.SyncKey(run.UserID, string(run.Platform)))
			metrics.ImportRunsTotal.WithLabelValues(string(run.Platform), string(models.RunOutcomeRetryExhausted)).Inc()
			c.notify(ctx, RunResult{
				RunID:      run.ID,
				UserID:     run.UserID,
				Platform:   run.Platform,
				State:      models.RunStateError,
				Outcome:    models.RunOutcomeRetryExhausted,
				Attempt:    run.RetryCount,
				Error:      "worker stopped responding",
				FinishedAt: now,
			})
		} else {
			ok, err := c.runs.Update(ctx, run.ID, active, map[string]any{
				"state":           models.RunStateRetryScheduled,
				"retry_count":     run.RetryCount + 1,
				"next_attempt_at": now,
				"error_message":   "worker stopped responding",
			})
			if err != nil || !ok {
				continue
			}
			_ = c.locker.ForceRelease(ctx, locks.SyncKey(run.UserID, string(run.Platform)))
			if err := c.dispatcher.Dispatch(ctx, retryTask(run, run.RetryCount+1)); err != nil {
				logging.Error().Err(err).Str("run_id", run.ID).Msg("[SWEEPER] Failed to queue retry")
			}
		}

		swept++
		metrics.StaleRunsSweptTotal.Inc()
		logging.Warn().
			Str("run_id", run.ID).
			Str("user_id", run.UserID).
			Str("platform", string(run.Platform)).
			Time("heartbeat_at", run.HeartbeatAt).
			Msg("[SWEEPER] Took over stale import run")
	}
	return swept, nil
}

// RecoverLostRetries re-queues retries whose delayed dispatch never arrived,
// for instance because the process restarted in between.
func (c *Coordinator) RecoverLostRetries(ctx context.Context) (int, error) {
	now := c.now()
	overdue, err := c.runs.OverdueRetries(ctx, now.Add(-c.cfg.StaleThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue retries: %w", err)
	}

	recovered := 0
	for i := range overdue {
		run := &overdue[i]
		ok, err := c.runs.Update(ctx, run.ID, []models.RunState{models.RunStateRetryScheduled}, map[string]any{
			"next_attempt_at": now.Add(c.cfg.RetryDelay),
		})
		if err != nil || !ok {
			continue
		}
		if err := c.dispatcher.Dispatch(ctx, retryTask(run, run.RetryCount)); err != nil {
			logging.Error().Err(err).Str("run_id", run.ID).Msg("[SWEEPER] Failed to re-queue retry")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logging.Info().Int("recovered", recovered).Msg("[SWEEPER] Re-queued overdue retries")
	}
	return recovered, nil
}

func retryTask(run *models.ImportRun, attempt int) SyncTask {
	return SyncTask{
		UserID:              run.UserID,
		Platform:            run.Platform,
		IsSync:              run.Trigger != models.TriggerFirstLogin,
		IsFast:              run.IsFast,
		DisableAchievements: !run.AchievementsEnabled,
		Trigger:             run.Trigger,
		RunID:               run.ID,
		Attempt:             attempt,
	}
}

// Runs lists import runs, newest first.
func (c *Coordinator) Runs(ctx context.Context, f store.RunFilter) ([]models.ImportRun, error) {
	return c.runs.List(ctx, f)
}

// Accounts lists a user's linked accounts.
func (c *Coordinator) Accounts(ctx context.Context, userID string) ([]models.ExternalAccountLink, error) {
	return c.accounts.ListForUser(ctx, userID)
}

// DurationStats averages recent successful run durations per platform,
// used to show users an estimate while an import is running.
func (c *Coordinator) DurationStats(ctx context.Context) ([]store.DurationStats, error) {
	return c.runs.AverageDurations(ctx, 0)
}
