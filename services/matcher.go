package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"game-library-sync/logging"
	"game-library-sync/metrics"
	"game-library-sync/models"
	"game-library-sync/store"
	"game-library-sync/utils"
)

// MatchPath tells how the matcher found a game.
type MatchPath string

const (
	MatchByCrossRef MatchPath = "crossref"
	MatchByName     MatchPath = "name"
	MatchCreated    MatchPath = "created"
)

type Match struct {
	Game      *models.CanonicalGame
	Path      MatchPath
	Ambiguous bool
}

// Matcher resolves raw platform records to canonical games.
type Matcher struct {
	catalog *store.CatalogStore
}

func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{catalog: store.NewCatalogStore(db)}
}

// Resolve maps (platform, externalID, displayName) to a canonical game,
// creating one when nothing matches. Every resolution leaves a cross-reference
// behind, so the next lookup for the same id is a single indexed read.
// Errors are store failures only.
func (m *Matcher) Resolve(ctx context.Context, p models.Platform, externalID, displayName string) (*Match, error) {
	externalID = strings.TrimSpace(externalID)
	key := utils.NormalizeGameName(displayName)
	if externalID == "" {
		if key == "" {
			return nil, errors.New("record has neither external id nor name")
		}
		externalID = "name:" + key
	}

	match, err := m.lookup(ctx, p, externalID, displayName, key)
	if err != nil || match != nil {
		return match, err
	}

	match, err = m.create(ctx, p, externalID, displayName, key)
	if err == nil {
		return match, nil
	}

	// A concurrent import of the same new game can win the insert (slug or
	// cross-reference unique index). Its row is committed by now.
	logging.Debug().Err(err).Str("platform", string(p)).Str("external_id", externalID).Msg("[MATCH] Create lost a race, resolving again")
	match, lookupErr := m.lookup(ctx, p, externalID, displayName, key)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if match != nil {
		return match, nil
	}
	return m.create(ctx, p, externalID, displayName, key)
}

// lookup resolves through an existing cross-reference or name. It returns
// nil when the game is unknown.
func (m *Matcher) lookup(ctx context.Context, p models.Platform, externalID, displayName, key string) (*Match, error) {
	match, err := m.byCrossRef(ctx, p, externalID, displayName, key)
	if err != nil || match != nil {
		return match, err
	}
	if key == "" {
		return nil, nil
	}

	candidates, err := m.catalog.GamesByNormalizedName(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("name lookup: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	chosen := candidates[0]
	ambiguous := len(candidates) > 1
	if ambiguous {
		m.recordCollision(ctx, p, externalID, key, candidates)
	}
	return m.attach(ctx, &chosen, p, externalID, MatchByName, ambiguous)
}

func (m *Matcher) byCrossRef(ctx context.Context, p models.Platform, externalID, displayName, key string) (*Match, error) {
	game, err := m.catalog.GameByCrossRef(ctx, p, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cross-reference lookup: %w", err)
	}

	// A platform that renamed the game teaches us a new synonym.
	if key != "" && key != game.NormalizedName {
		if _, err := m.catalog.AddSynonym(ctx, game.ID, displayName); err != nil {
			logging.Warn().Err(err).Str("game_id", game.ID).Msg("[MATCH] Failed to add synonym")
		}
	}
	metrics.MatchResolutionsTotal.WithLabelValues(string(MatchByCrossRef)).Inc()
	return &Match{Game: game, Path: MatchByCrossRef}, nil
}

// attach records the cross-reference on game. If another writer mapped the
// id first, that mapping wins.
func (m *Matcher) attach(ctx context.Context, game *models.CanonicalGame, p models.Platform, externalID string, path MatchPath, ambiguous bool) (*Match, error) {
	mappedID, err := m.catalog.AttachCrossRef(ctx, game.ID, p, externalID)
	if err != nil {
		return nil, err
	}
	if mappedID != game.ID {
		winner, err := m.catalog.GameByCrossRef(ctx, p, externalID)
		if err != nil {
			return nil, fmt.Errorf("cross-reference lookup: %w", err)
		}
		metrics.MatchResolutionsTotal.WithLabelValues(string(MatchByCrossRef)).Inc()
		return &Match{Game: winner, Path: MatchByCrossRef}, nil
	}
	metrics.MatchResolutionsTotal.WithLabelValues(string(path)).Inc()
	return &Match{Game: game, Path: path, Ambiguous: ambiguous}, nil
}

func (m *Matcher) create(ctx context.Context, p models.Platform, externalID, displayName, key string) (*Match, error) {
	name := utils.CleanGameName(displayName)
	if name == "" {
		name = fmt.Sprintf("%s %s", p, externalID)
		key = utils.NormalizeGameName(name)
	}
	game := &models.CanonicalGame{Name: name, NormalizedName: key, LowConfidence: true}

	err := m.catalog.CreateGame(ctx, game, p, externalID)
	if errors.Is(err, store.ErrCrossRefTaken) {
		winner, lookupErr := m.catalog.GameByCrossRef(ctx, p, externalID)
		if lookupErr != nil {
			return nil, fmt.Errorf("cross-reference lookup: %w", lookupErr)
		}
		metrics.MatchResolutionsTotal.WithLabelValues(string(MatchByCrossRef)).Inc()
		return &Match{Game: winner, Path: MatchByCrossRef}, nil
	}
	if err != nil {
		return nil, err
	}

	logging.Debug().Str("game_id", game.ID).Str("name", game.Name).Str("platform", string(p)).Msg("[MATCH] Created canonical game")
	metrics.MatchResolutionsTotal.WithLabelValues(string(MatchCreated)).Inc()
	return &Match{Game: game, Path: MatchCreated}, nil
}

func (m *Matcher) recordCollision(ctx context.Context, p models.Platform, externalID, key string, candidates []models.CanonicalGame) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	metrics.MatchCollisionsTotal.Inc()
	logging.Warn().
		Str("normalized_name", key).
		Str("platform", string(p)).
		Str("external_id", externalID).
		Strs("candidates", ids).
		Msg("[MATCH] Ambiguous name match, choosing most-owned game")

	err := m.catalog.RecordCollision(ctx, &models.MatchCollision{
		NormalizedName: key,
		Platform:       p,
		ExternalID:     externalID,
		ChosenGameID:   candidates[0].ID,
		CandidateIDs:   strings.Join(ids, ","),
	})
	if err != nil {
		logging.Error().Err(err).Msg("[MATCH] Failed to record collision")
	}
}
