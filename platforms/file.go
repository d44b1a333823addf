package platforms

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"game-library-sync/models"
	"game-library-sync/utils"
)

// FileImportAdapter reads a user-uploaded library export (CSV or JSON) from
// object storage. The account identifier is the object key. Rows without an
// id column use the normalized name as external id, so re-importing the same
// file hits the same cross-references.
type FileImportAdapter struct {
	store utils.ObjectStore
}

func NewFileImportAdapter(store utils.ObjectStore) *FileImportAdapter {
	return &FileImportAdapter{store: store}
}

func (f *FileImportAdapter) Platform() models.Platform { return models.PlatformFileImport }

func (f *FileImportAdapter) ResolveIdentifier(_ context.Context, identifier string, _ *RateLimiter) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(identifier), "/")
	if key == "" {
		return "", NewError(models.PlatformFileImport, KindNotFound, "resolve identifier", errors.New("empty object key"))
	}
	return key, nil
}

type fileRow struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Title         string  `json:"title"`
	Playtime      float64 `json:"playtime_minutes"`
	PlaytimeHours float64 `json:"playtime_hours"`
	LastPlayed    string  `json:"last_played"`
}

func (f *FileImportAdapter) FetchOwnedGames(ctx context.Context, accountID string, _ *RateLimiter) ([]OwnedGame, error) {
	body, err := f.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, utils.ErrObjectNotFound) {
			return nil, NewError(models.PlatformFileImport, KindNotFound, "owned games", err)
		}
		return nil, NewError(models.PlatformFileImport, KindNetwork, "owned games", err)
	}
	defer body.Close()

	var rows []fileRow
	if strings.HasSuffix(strings.ToLower(accountID), ".json") {
		rows, err = decodeJSONExport(body)
	} else {
		rows, err = decodeCSVExport(body)
	}
	if err != nil {
		return nil, NewError(models.PlatformFileImport, KindMalformed, "owned games", err)
	}

	games := make([]OwnedGame, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		name := r.Name
		if name == "" {
			name = r.Title
		}
		if strings.TrimSpace(name) == "" {
			continue
		}
		id := strings.TrimSpace(r.ID)
		if id == "" {
			id = utils.NormalizeGameName(name)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		minutes := r.Playtime
		if minutes == 0 && r.PlaytimeHours > 0 {
			minutes = r.PlaytimeHours * 60
		}
		games = append(games, newOwnedGame(models.PlatformFileImport, id, name, safeMinutes(minutes), ParseTimeOrNil(r.LastPlayed)))
	}
	return games, nil
}

func safeMinutes(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(v)
}

// decodeJSONExport accepts either a bare array or {"games": [...]}.
func decodeJSONExport(r io.Reader) ([]fileRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []fileRow
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Games []fileRow `json:"games"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode json export: %w", err)
	}
	return wrapped.Games, nil
}

// CSV exports need a header row. Recognized columns, case-insensitive:
// name/title/game, id/external_id, playtime/playtime_minutes, hours/playtime_hours,
// last_played. Unknown columns are ignored.
func decodeCSVExport(r io.Reader) ([]fileRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[strings.ReplaceAll(key, " ", "_")] = i
	}
	col := func(names ...string) int {
		for _, n := range names {
			if i, ok := cols[n]; ok {
				return i
			}
		}
		return -1
	}
	nameCol := col("name", "title", "game")
	if nameCol < 0 {
		return nil, errors.New("csv export has no name column")
	}
	idCol := col("id", "external_id", "game_id")
	minutesCol := col("playtime_minutes", "playtime", "minutes")
	hoursCol := col("playtime_hours", "hours")
	playedCol := col("last_played", "last_played_at")

	field := func(rec []string, i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	number := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}

	var rows []fileRow
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		rows = append(rows, fileRow{
			ID:            field(rec, idCol),
			Name:          field(rec, nameCol),
			Playtime:      number(field(rec, minutesCol)),
			PlaytimeHours: number(field(rec, hoursCol)),
			LastPlayed:    field(rec, playedCol),
		})
	}
	return rows, nil
}
