package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-library-sync/config"
	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
	"game-library-sync/store"
)

// maxBlockSize caps pairwise comparison inside one prefix block.
const maxBlockSize = 250

// Merger proposes likely duplicate games and merges them on operator request.
type Merger struct {
	db      *gorm.DB
	catalog *store.CatalogStore
	pairs   *store.PairStore
	scorer  SimilarityScorer
	cfg     config.MergerConfig
	now     func() time.Time
}

func NewMerger(db *gorm.DB, cfg config.MergerConfig, scorer SimilarityScorer) *Merger {
	if scorer == nil {
		scorer = NewDiceScorer()
	}
	if cfg.PrefixLength <= 0 {
		cfg.PrefixLength = 4
	}
	return &Merger{
		db:      db,
		catalog: store.NewCatalogStore(db),
		pairs:   store.NewPairStore(db),
		scorer:  scorer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Scan compares games that share a normalized-key prefix and records every
// pair scoring at or above the threshold. Pairs seen before are not
// proposed again, whatever their resolution. It returns the new pair count.
func (m *Merger) Scan(ctx context.Context) (int, error) {
	games, err := m.catalog.ScanCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load scan candidates: %w", err)
	}

	blocks := make(map[string][]store.GameSummary)
	for _, g := range games {
		key := blockKey(g.NormalizedName, m.cfg.PrefixLength)
		if key == "" {
			continue
		}
		blocks[key] = append(blocks[key], g)
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	found := 0
	for _, k := range keys {
		block := blocks[k]
		if len(block) > maxBlockSize {
			logging.Warn().Str("block", k).Int("size", len(block)).Msg("[MERGE] Prefix block too large, comparing the first games only")
			block = block[:maxBlockSize]
		}
		for i := 0; i < len(block); i++ {
			if err := ctx.Err(); err != nil {
				return found, err
			}
			for j := i + 1; j < len(block); j++ {
				score := m.scorer.Score(block[i], block[j])
				if score < m.cfg.Threshold {
					continue
				}
				created, err := m.pairs.Propose(ctx, block[i].ID, block[j].ID, score)
				if err != nil {
					return found, err
				}
				if created {
					found++
				}
			}
		}
	}

	metrics.DuplicatePairsFoundTotal.Add(float64(found))
	logging.Info().Int("games", len(games)).Int("new_pairs", found).Msg("[MERGE] Duplicate scan finished")
	return found, nil
}

// Merge folds the pair's other game into survivorID. Everything happens in
// one transaction; on failure both games are left untouched.
func (m *Merger) Merge(ctx context.Context, pairID, survivorID, operator string) (*models.CanonicalGame, error) {
	var survivor models.CanonicalGame
	var loserID string

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pair, err := store.NewPairStore(tx).Get(ctx, pairID)
		if err != nil {
			return err
		}
		if pair.Resolution != models.PairUnresolved {
			return ErrPairResolved
		}
		switch survivorID {
		case pair.FirstGameID:
			loserID = pair.SecondGameID
		case pair.SecondGameID:
			loserID = pair.FirstGameID
		default:
			return ErrInvalidSurvivor
		}

		if err := tx.Where("id = ?", survivorID).First(&survivor).Error; err != nil {
			return fmt.Errorf("load survivor: %w", err)
		}
		var loser models.CanonicalGame
		if err := tx.Where("id = ?", loserID).First(&loser).Error; err != nil {
			return fmt.Errorf("load loser: %w", err)
		}

		users, err := mergeOwnership(tx, loserID, survivorID)
		if err != nil {
			return err
		}
		if err := mergeAchievements(tx, loserID, survivorID); err != nil {
			return err
		}
		if err := mergeCatalog(tx, &loser, &survivor); err != nil {
			return err
		}

		if err := store.NewCatalogStore(tx).RecountOwners(ctx, []string{survivorID}); err != nil {
			return err
		}
		if err := recountLinks(ctx, tx, users); err != nil {
			return err
		}

		now := m.now()
		ok, err := store.NewPairStore(tx).Resolve(ctx, pairID, map[string]any{
			"resolution":  models.PairMerged,
			"survivor_id": survivorID,
			"resolved_by": operator,
			"resolved_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrPairResolved
		}
		if _, err := store.NewPairStore(tx).SupersedeTouching(ctx, loserID, pairID); err != nil {
			return err
		}
		return tx.Where("id = ?", survivorID).First(&survivor).Error
	})

	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrPairResolved) || errors.Is(err, ErrInvalidSurvivor) {
			return nil, err
		}
		logging.Error().Err(err).Str("pair_id", pairID).Msg("[MERGE] Merge rolled back")
		return nil, fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}

	metrics.DuplicateMergesTotal.WithLabelValues(string(models.PairMerged)).Inc()
	logging.Info().
		Str("pair_id", pairID).
		Str("survivor_id", survivorID).
		Str("loser_id", loserID).
		Str("operator", operator).
		Msg("[MERGE] Games merged")
	return &survivor, nil
}

// mergeOwnership re-points the loser's ownership rows. A user owning both
// games keeps one row with the larger playtime, the later last-played time
// and both source sets. It returns the affected users.
func mergeOwnership(tx *gorm.DB, loserID, survivorID string) ([]string, error) {
	var rows []models.UserGameOwnership
	if err := tx.Where("game_id = ?", loserID).Find(&rows).Error; err != nil {
		return nil, err
	}

	users := make([]string, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.UserID)

		var kept models.UserGameOwnership
		err := tx.Where("user_id = ? AND game_id = ?", row.UserID, survivorID).First(&kept).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Model(&models.UserGameOwnership{}).Where("id = ?", row.ID).Update("game_id", survivorID).Error; err != nil {
				return nil, fmt.Errorf("move ownership %s: %w", row.ID, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		fields := map[string]any{"sources": kept.Sources | row.Sources}
		if row.PlaytimeMinutes > kept.PlaytimeMinutes {
			fields["playtime_minutes"] = row.PlaytimeMinutes
		}
		if laterThan(row.LastPlayedAt, kept.LastPlayedAt) {
			fields["last_played_at"] = row.LastPlayedAt
		}
		if err := tx.Model(&models.UserGameOwnership{}).Where("id = ?", kept.ID).Updates(fields).Error; err != nil {
			return nil, fmt.Errorf("merge ownership %s: %w", kept.ID, err)
		}
		if err := tx.Delete(&models.UserGameOwnership{}, "id = ?", row.ID).Error; err != nil {
			return nil, err
		}
	}
	return users, nil
}

// mergeAchievements re-points the loser's definitions. When the survivor
// already has the same (platform, external id), unlocks move onto the
// survivor's definition and the earliest unlock wins.
func mergeAchievements(tx *gorm.DB, loserID, survivorID string) error {
	var defs []models.AchievementDefinition
	if err := tx.Where("game_id = ?", loserID).Find(&defs).Error; err != nil {
		return err
	}

	for _, def := range defs {
		var kept models.AchievementDefinition
		err := tx.Where("platform = ? AND game_id = ? AND external_id = ?", def.Platform, survivorID, def.ExternalID).First(&kept).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Model(&models.AchievementDefinition{}).Where("id = ?", def.ID).Update("game_id", survivorID).Error; err != nil {
				return fmt.Errorf("move achievement %s: %w", def.ID, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		var unlocks []models.UserAchievementUnlock
		if err := tx.Where("definition_id = ?", def.ID).Find(&unlocks).Error; err != nil {
			return err
		}
		for _, u := range unlocks {
			var other models.UserAchievementUnlock
			err := tx.Where("user_id = ? AND definition_id = ?", u.UserID, kept.ID).First(&other).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if err := tx.Model(&models.UserAchievementUnlock{}).Where("id = ?", u.ID).Update("definition_id", kept.ID).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if u.Unlocked {
				fields := map[string]any{"unlocked": true}
				if !other.Unlocked || earlierThan(u.UnlockedAt, other.UnlockedAt) {
					fields["unlocked_at"] = u.UnlockedAt
				}
				if err := tx.Model(&models.UserAchievementUnlock{}).Where("id = ?", other.ID).Updates(fields).Error; err != nil {
					return err
				}
			}
			if err := tx.Delete(&models.UserAchievementUnlock{}, "id = ?", u.ID).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&models.AchievementDefinition{}, "id = ?", def.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// mergeCatalog moves cross-references and synonyms, keeps the loser's name
// as a synonym and retires the loser.
func mergeCatalog(tx *gorm.DB, loser, survivor *models.CanonicalGame) error {
	if err := tx.Model(&models.GameCrossRef{}).Where("game_id = ?", loser.ID).Update("game_id", survivor.ID).Error; err != nil {
		return fmt.Errorf("move cross references: %w", err)
	}

	var synonyms []models.GameSynonym
	if err := tx.Where("game_id = ?", loser.ID).Find(&synonyms).Error; err != nil {
		return err
	}
	synonyms = append(synonyms, models.GameSynonym{Name: loser.Name, NormalizedName: loser.NormalizedName})
	for _, syn := range synonyms {
		if syn.NormalizedName == survivor.NormalizedName {
			continue
		}
		row := models.GameSynonym{ID: uuid.NewString(), GameID: survivor.ID, Name: syn.Name, NormalizedName: syn.NormalizedName}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "game_id"}, {Name: "normalized_name"}},
			DoNothing: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("copy synonym %q: %w", syn.Name, err)
		}
	}
	if err := tx.Delete(&models.GameSynonym{}, "game_id = ?", loser.ID).Error; err != nil {
		return err
	}

	// Earlier losers that pointed at this one now point at the survivor.
	if err := tx.Unscoped().Model(&models.CanonicalGame{}).Where("merged_into_id = ?", loser.ID).
		UpdateColumn("merged_into_id", survivor.ID).Error; err != nil {
		return err
	}
	if err := tx.Model(loser).UpdateColumns(map[string]any{"merged_into_id": survivor.ID, "owner_count": 0}).Error; err != nil {
		return err
	}
	return tx.Delete(loser).Error
}

func recountLinks(ctx context.Context, tx *gorm.DB, users []string) error {
	if len(users) == 0 {
		return nil
	}
	var links []models.ExternalAccountLink
	if err := tx.Where("user_id IN ?", users).Find(&links).Error; err != nil {
		return err
	}
	ownership := store.NewOwnershipStore(tx)
	accounts := store.NewAccountStore(tx)
	for _, link := range links {
		n, err := ownership.CountForUser(ctx, link.UserID, link.Platform)
		if err != nil {
			return err
		}
		if err := accounts.SetOwnedGameCount(ctx, link.UserID, link.Platform, n); err != nil {
			return err
		}
	}
	return nil
}

// Reject closes the pair without merging.
func (m *Merger) Reject(ctx context.Context, pairID, operator string) error {
	ok, err := m.pairs.Resolve(ctx, pairID, map[string]any{
		"resolution":  models.PairRejected,
		"resolved_by": operator,
		"resolved_at": m.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return m.missingOrResolved(ctx, pairID)
	}
	metrics.DuplicateMergesTotal.WithLabelValues(string(models.PairRejected)).Inc()
	logging.Info().Str("pair_id", pairID).Str("operator", operator).Msg("[MERGE] Pair rejected")
	return nil
}

// Ignore hides the pair from the review list without resolving it.
func (m *Merger) Ignore(ctx context.Context, pairID string, ignored bool) error {
	ok, err := m.pairs.SetIgnored(ctx, pairID, ignored)
	if err != nil {
		return err
	}
	if !ok {
		return m.missingOrResolved(ctx, pairID)
	}
	if ignored {
		metrics.DuplicateMergesTotal.WithLabelValues("ignored").Inc()
	}
	return nil
}

func (m *Merger) missingOrResolved(ctx context.Context, pairID string) error {
	if _, err := m.pairs.Get(ctx, pairID); err != nil {
		return err
	}
	return ErrPairResolved
}

func (m *Merger) Pairs(ctx context.Context, limit, offset int) ([]models.SimilarGamePair, error) {
	return m.pairs.ListOpen(ctx, limit, offset)
}

func (m *Merger) Collisions(ctx context.Context, includeReviewed bool, limit, offset int) ([]models.MatchCollision, error) {
	return m.catalog.ListCollisions(ctx, includeReviewed, limit, offset)
}

func (m *Merger) ReviewCollision(ctx context.Context, id string) error {
	return m.catalog.MarkCollisionReviewed(ctx, id)
}

func laterThan(a, b *time.Time) bool {
	return a != nil && (b == nil || a.After(*b))
}

func earlierThan(a, b *time.Time) bool {
	return a != nil && (b == nil || a.Before(*b))
}
