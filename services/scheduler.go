// services/scheduler.go
package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"game-library-sync/config"
	"game-library-sync/logging"
	"game-library-sync/platforms"
)

// Scheduler owns the periodic jobs: stale-run sweep, auto-sync dispatch,
// duplicate scan and the daily quota reset.
type Scheduler struct {
	sched       gocron.Scheduler
	coordinator *Coordinator
	merger      *Merger
	limiter     *platforms.RateLimiter
	sync        config.SyncConfig
	merge       config.MergerConfig
}

func NewScheduler(coordinator *Coordinator, merger *Merger, limiter *platforms.RateLimiter, syncCfg config.SyncConfig, mergeCfg config.MergerConfig) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		sched:       sched,
		coordinator: coordinator,
		merger:      merger,
		limiter:     limiter,
		sync:        syncCfg,
		merge:       mergeCfg,
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)

	// Every sweep interval: take over stale runs and re-queue lost retries
	if _, err := s.sched.NewJob(
		gocron.DurationJob(s.sync.SweepInterval),
		gocron.NewTask(s.Sweep),
		gocron.WithName("stale-run-sweeper"),
		singleton,
	); err != nil {
		return err
	}

	if s.sync.AutoSyncCheck > 0 {
		if _, err := s.sched.NewJob(
			gocron.DurationJob(s.sync.AutoSyncCheck),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := s.coordinator.ScheduleDueSyncs(ctx); err != nil {
					logging.Error().Err(err).Msg("[Scheduler] Auto-sync dispatch failed")
				}
			}),
			gocron.WithName("auto-sync"),
			singleton,
		); err != nil {
			return err
		}
	}

	if s.merger != nil && s.merge.Enabled && s.merge.ScanInterval > 0 {
		if _, err := s.sched.NewJob(
			gocron.DurationJob(s.merge.ScanInterval),
			gocron.NewTask(func() {
				if _, err := s.merger.Scan(context.Background()); err != nil {
					logging.Error().Err(err).Msg("[Scheduler] Duplicate scan failed")
				}
			}),
			gocron.WithName("duplicate-scan"),
			singleton,
		); err != nil {
			return err
		}
	}

	// Daily quotas roll over at midnight UTC
	if _, err := s.sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))),
		gocron.NewTask(func() {
			s.limiter.Reset()
			logging.Info().Msg("[Scheduler] Platform request quotas reset")
		}),
		gocron.WithName("quota-reset"),
	); err != nil {
		return err
	}

	s.sched.Start()
	logging.Info().Int("jobs", len(s.sched.Jobs())).Msg("[Scheduler] Started")
	return nil
}

// Sweep runs one stale-run sweep and lost-retry recovery pass.
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.coordinator.SweepStale(ctx); err != nil {
		logging.Error().Err(err).Msg("[Scheduler] Stale run sweep failed")
	}
	if _, err := s.coordinator.RecoverLostRetries(ctx); err != nil {
		logging.Error().Err(err).Msg("[Scheduler] Retry recovery failed")
	}
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
