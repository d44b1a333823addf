package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-library-sync/models"
)

type PairStore struct {
	db *gorm.DB
}

func NewPairStore(db *gorm.DB) *PairStore {
	return &PairStore{db: db}
}

// Propose records a candidate pair unless the same two games were paired before.
func (s *PairStore) Propose(ctx context.Context, a, b string, score float64) (bool, error) {
	first, second := models.OrderedPair(a, b)
	pair := models.SimilarGamePair{ID: uuid.NewString(), FirstGameID: first, SecondGameID: second, Score: score}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "first_game_id"}, {Name: "second_game_id"}},
		DoNothing: true,
	}).Create(&pair)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record similar pair: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PairStore) Get(ctx context.Context, id string) (*models.SimilarGamePair, error) {
	var pair models.SimilarGamePair
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&pair).Error; err != nil {
		return nil, notFound(err)
	}
	return &pair, nil
}

// ListOpen returns unresolved, non-ignored pairs, best score first.
func (s *PairStore) ListOpen(ctx context.Context, limit, offset int) ([]models.SimilarGamePair, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var pairs []models.SimilarGamePair
	err := s.db.WithContext(ctx).
		Where("resolution = ? AND ignored = ?", models.PairUnresolved, false).
		Order("score DESC").Order("created_at ASC").
		Limit(limit).Offset(offset).
		Find(&pairs).Error
	return pairs, err
}

// Resolve sets fields on a pair that is still unresolved.
func (s *PairStore) Resolve(ctx context.Context, id string, fields map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SimilarGamePair{}).
		Where("id = ? AND resolution = ?", id, models.PairUnresolved).
		Updates(fields)
	return res.RowsAffected == 1, res.Error
}

func (s *PairStore) SetIgnored(ctx context.Context, id string, ignored bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SimilarGamePair{}).
		Where("id = ? AND resolution = ?", id, models.PairUnresolved).
		Update("ignored", ignored)
	return res.RowsAffected == 1, res.Error
}

// SupersedeTouching closes every other open pair that references gameID.
func (s *PairStore) SupersedeTouching(ctx context.Context, gameID, exceptID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SimilarGamePair{}).
		Where("id <> ? AND resolution = ?", exceptID, models.PairUnresolved).
		Where("(first_game_id = ? OR second_game_id = ?)", gameID, gameID).
		Update("resolution", models.PairSuperseded)
	return res.RowsAffected, res.Error
}
