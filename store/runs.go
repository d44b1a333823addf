package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"game-library-sync/models"
)

type RunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, run *models.ImportRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *RunStore) Get(ctx context.Context, id string) (*models.ImportRun, error) {
	var run models.ImportRun
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// Update applies fields to an unfinished run whose state is one of from.
// It reports false when the run finished or moved on in the meantime.
func (s *RunStore) Update(ctx context.Context, id string, from []models.RunState, fields map[string]any) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.ImportRun{}).Where("id = ? AND finished_at IS NULL", id)
	if len(from) > 0 {
		q = q.Where("state IN ?", from)
	}
	res := q.Updates(fields)
	return res.RowsAffected == 1, res.Error
}

// Heartbeat marks a live run so the sweeper leaves it alone.
func (s *RunStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ImportRun{}).
		Where("id = ? AND finished_at IS NULL", id).
		UpdateColumn("heartbeat_at", at).Error
}

// Unfinished returns the open run of a (user, platform) pair, if any.
func (s *RunStore) Unfinished(ctx context.Context, userID string, p models.Platform) (*models.ImportRun, error) {
	var run models.ImportRun
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND finished_at IS NULL", userID, p).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// Stale lists locked or running runs without a heartbeat since before.
func (s *RunStore) Stale(ctx context.Context, before time.Time) ([]models.ImportRun, error) {
	var runs []models.ImportRun
	err := s.db.WithContext(ctx).
		Where("finished_at IS NULL AND state IN ? AND heartbeat_at < ?",
			[]models.RunState{models.RunStateLocked, models.RunStateRunning}, before).
		Find(&runs).Error
	return runs, err
}

// OverdueRetries lists retry-scheduled runs whose next attempt should have started before the cutoff.
func (s *RunStore) OverdueRetries(ctx context.Context, before time.Time) ([]models.ImportRun, error) {
	var runs []models.ImportRun
	err := s.db.WithContext(ctx).
		Where("finished_at IS NULL AND state = ? AND next_attempt_at < ?", models.RunStateRetryScheduled, before).
		Find(&runs).Error
	return runs, err
}

type RunFilter struct {
	UserID   string
	Platform models.Platform
	State    models.RunState
	Limit    int
	Offset   int
}

func (s *RunStore) List(ctx context.Context, f RunFilter) ([]models.ImportRun, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Platform != "" {
		q = q.Where("platform = ?", f.Platform)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []models.ImportRun
	err := q.Limit(limit).Offset(f.Offset).Find(&runs).Error
	return runs, err
}

// DurationStats summarizes successful runs of one platform.
type DurationStats struct {
	Platform models.Platform `json:"platform"`
	Runs     int             `json:"runs"`
	Average  time.Duration   `json:"average"`
}

// AverageDurations averages the most recent successful runs per platform.
func (s *RunStore) AverageDurations(ctx context.Context, window int) ([]DurationStats, error) {
	if window <= 0 {
		window = 1000
	}
	var out []DurationStats
	for _, p := range models.Platforms {
		var runs []models.ImportRun
		err := s.db.WithContext(ctx).
			Select("started_at", "finished_at").
			Where("platform = ? AND outcome = ? AND finished_at IS NOT NULL", p, models.RunOutcomeSuccess).
			Order("finished_at DESC").
			Limit(window).
			Find(&runs).Error
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			continue
		}
		var total time.Duration
		for i := range runs {
			total += runs[i].Duration()
		}
		out = append(out, DurationStats{Platform: p, Runs: len(runs), Average: total / time.Duration(len(runs))})
	}
	return out, nil
}
