package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-library-sync/models"
	"game-library-sync/utils"
)

// ErrCrossRefTaken means another writer mapped the (platform, external id) first.
var ErrCrossRefTaken = errors.New("cross-reference already mapped")

// maxRedirects bounds merged_into chains.
const maxRedirects = 8

type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// GameByID loads a live game.
func (s *CatalogStore) GameByID(ctx context.Context, id string) (*models.CanonicalGame, error) {
	var game models.CanonicalGame
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&game).Error; err != nil {
		return nil, notFound(err)
	}
	return &game, nil
}

// GameByCrossRef returns the game mapped to (platform, externalID), following
// merge redirects to the surviving game.
func (s *CatalogStore) GameByCrossRef(ctx context.Context, p models.Platform, externalID string) (*models.CanonicalGame, error) {
	var ref models.GameCrossRef
	err := s.db.WithContext(ctx).
		Where("platform = ? AND external_id = ?", p, externalID).
		First(&ref).Error
	if err != nil {
		return nil, notFound(err)
	}
	return s.followRedirects(ctx, ref.GameID)
}

func (s *CatalogStore) followRedirects(ctx context.Context, id string) (*models.CanonicalGame, error) {
	for i := 0; i < maxRedirects; i++ {
		var game models.CanonicalGame
		if err := s.db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&game).Error; err != nil {
			return nil, notFound(err)
		}
		if game.MergedIntoID == nil {
			if game.DeletedAt.Valid {
				return nil, ErrNotFound
			}
			return &game, nil
		}
		id = *game.MergedIntoID
	}
	return nil, fmt.Errorf("merge redirect chain from game %s is too long", id)
}

// GamesByNormalizedName returns live games whose own key or a synonym key
// equals key, most-established first.
func (s *CatalogStore) GamesByNormalizedName(ctx context.Context, key string) ([]models.CanonicalGame, error) {
	db := s.db.WithContext(ctx)
	synonyms := db.Model(&models.GameSynonym{}).Select("game_id").Where("normalized_name = ?", key)

	var games []models.CanonicalGame
	err := db.
		Where("(normalized_name = ? OR id IN (?))", key, synonyms).
		Order("owner_count DESC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&games).Error
	return games, err
}

// CreateGame inserts game together with its first cross-reference. If the
// cross-reference was mapped concurrently nothing is written and
// ErrCrossRefTaken is returned.
func (s *CatalogStore) CreateGame(ctx context.Context, game *models.CanonicalGame, p models.Platform, externalID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if game.ID == "" {
			game.ID = uuid.NewString()
		}
		if game.NormalizedName == "" {
			game.NormalizedName = utils.NormalizeGameName(game.Name)
		}
		slugValue, err := uniqueSlug(tx, game.Name, game.ID)
		if err != nil {
			return err
		}
		game.Slug = slugValue

		if err := tx.Create(game).Error; err != nil {
			return fmt.Errorf("failed to create game: %w", err)
		}

		ref := models.GameCrossRef{ID: uuid.NewString(), Platform: p, ExternalID: externalID, GameID: game.ID}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform"}, {Name: "external_id"}},
			DoNothing: true,
		}).Create(&ref)
		if res.Error != nil {
			return fmt.Errorf("failed to create cross-reference: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCrossRefTaken
		}
		return nil
	})
}

func uniqueSlug(tx *gorm.DB, name, id string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "game"
	}
	var count int64
	if err := tx.Model(&models.CanonicalGame{}).Unscoped().Where("slug = ?", base).Count(&count).Error; err != nil {
		return "", err
	}
	if count == 0 {
		return base, nil
	}
	return base + "-" + id[:8], nil
}

// AttachCrossRef maps (platform, externalID) to gameID unless a mapping
// exists already. It returns the game id the mapping points at afterwards.
func (s *CatalogStore) AttachCrossRef(ctx context.Context, gameID string, p models.Platform, externalID string) (string, error) {
	db := s.db.WithContext(ctx)
	ref := models.GameCrossRef{ID: uuid.NewString(), Platform: p, ExternalID: externalID, GameID: gameID}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&ref)
	if res.Error != nil {
		return "", fmt.Errorf("failed to attach cross-reference: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return gameID, nil
	}

	var existing models.GameCrossRef
	if err := db.Where("platform = ? AND external_id = ?", p, externalID).First(&existing).Error; err != nil {
		return "", notFound(err)
	}
	return existing.GameID, nil
}

// AddSynonym records name as an alternative name of the game. Names already
// known to the game are ignored.
func (s *CatalogStore) AddSynonym(ctx context.Context, gameID, name string) (bool, error) {
	key := utils.NormalizeGameName(name)
	if key == "" {
		return false, nil
	}
	db := s.db.WithContext(ctx)

	var own int64
	if err := db.Model(&models.CanonicalGame{}).Unscoped().Where("id = ? AND normalized_name = ?", gameID, key).Count(&own).Error; err != nil {
		return false, err
	}
	if own > 0 {
		return false, nil
	}

	syn := models.GameSynonym{ID: uuid.NewString(), GameID: gameID, Name: name, NormalizedName: key}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "normalized_name"}},
		DoNothing: true,
	}).Create(&syn)
	return res.RowsAffected == 1, res.Error
}

func (s *CatalogStore) Synonyms(ctx context.Context, gameID string) ([]models.GameSynonym, error) {
	var out []models.GameSynonym
	err := s.db.WithContext(ctx).Where("game_id = ?", gameID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *CatalogStore) CrossRefs(ctx context.Context, gameID string) ([]models.GameCrossRef, error) {
	var out []models.GameCrossRef
	err := s.db.WithContext(ctx).Where("game_id = ?", gameID).Order("platform ASC, external_id ASC").Find(&out).Error
	return out, err
}

func (s *CatalogStore) RecordCollision(ctx context.Context, c *models.MatchCollision) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *CatalogStore) ListCollisions(ctx context.Context, includeReviewed bool, limit, offset int) ([]models.MatchCollision, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if !includeReviewed {
		q = q.Where("reviewed = ?", false)
	}
	var out []models.MatchCollision
	return out, q.Find(&out).Error
}

func (s *CatalogStore) MarkCollisionReviewed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.MatchCollision{}).Where("id = ?", id).Update("reviewed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecountOwners recomputes owner_count for the given games.
func (s *CatalogStore) RecountOwners(ctx context.Context, gameIDs []string) error {
	db := s.db.WithContext(ctx)
	for _, id := range gameIDs {
		err := db.Model(&models.CanonicalGame{}).Unscoped().Where("id = ?", id).
			UpdateColumn("owner_count", gorm.Expr("(SELECT COUNT(*) FROM user_game_ownerships WHERE game_id = ?)", id)).Error
		if err != nil {
			return fmt.Errorf("failed to recount owners of %s: %w", id, err)
		}
	}
	return nil
}

// GameSummary is the slice of a game the duplicate scan needs.
type GameSummary struct {
	ID             string
	Name           string
	NormalizedName string
	OwnerCount     int64
	Platforms      uint32 // source bits of every cross-referenced platform
}

// ScanCandidates lists every live game with the platforms it is cross-referenced on.
func (s *CatalogStore) ScanCandidates(ctx context.Context) ([]GameSummary, error) {
	db := s.db.WithContext(ctx)

	var games []models.CanonicalGame
	if err := db.Select("id", "name", "normalized_name", "owner_count").Order("normalized_name ASC").Find(&games).Error; err != nil {
		return nil, err
	}

	var refs []models.GameCrossRef
	if err := db.Select("game_id", "platform").Find(&refs).Error; err != nil {
		return nil, err
	}
	bits := make(map[string]uint32, len(games))
	for _, r := range refs {
		bits[r.GameID] |= r.Platform.SourceBit()
	}

	out := make([]GameSummary, 0, len(games))
	for _, g := range games {
		out = append(out, GameSummary{
			ID:             g.ID,
			Name:           g.Name,
			NormalizedName: g.NormalizedName,
			OwnerCount:     g.OwnerCount,
			Platforms:      bits[g.ID],
		})
	}
	return out, nil
}
