package platforms

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"game-library-sync/models"
)

// GOGAdapter reads the public game statistics of a GOG profile. Private
// profiles answer 401/403.
type GOGAdapter struct {
	client *Client
}

func NewGOGAdapter(client *Client) *GOGAdapter {
	return &GOGAdapter{client: client}
}

func (g *GOGAdapter) Platform() models.Platform { return models.PlatformGOG }

// ResolveIdentifier accepts a username or a profile URL.
func (g *GOGAdapter) ResolveIdentifier(_ context.Context, identifier string, _ *RateLimiter) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(identifier), "/")
	if i := strings.LastIndex(name, "/u/"); i >= 0 {
		name = name[i+len("/u/"):]
		if j := strings.Index(name, "/"); j >= 0 {
			name = name[:j]
		}
	}
	if name == "" {
		return "", NewError(models.PlatformGOG, KindNotFound, "resolve identifier", errors.New("empty username"))
	}
	return name, nil
}

type gogStats struct {
	Playtime    int64  `json:"playtime"`
	LastSession string `json:"lastSession"`
}

func (g *GOGAdapter) FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error) {
	var games []OwnedGame
	for page := 1; ; page++ {
		var resp struct {
			Page     int `json:"page"`
			Pages    int `json:"pages"`
			Embedded struct {
				Items []struct {
					Game struct {
						ID    string `json:"id"`
						Title string `json:"title"`
					} `json:"game"`
					// Keyed by GOG user id; an empty list when the game has no stats.
					Stats json.RawMessage `json:"stats"`
				} `json:"items"`
			} `json:"_embedded"`
		}
		err := g.client.GetJSON(ctx, limiter, Call{
			Op:    "owned games",
			Path:  "/u/" + url.PathEscape(accountID) + "/games/stats",
			Query: url.Values{"sort": {"recent_playtime"}, "order": {"desc"}, "page": {strconv.Itoa(page)}},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Embedded.Items {
			if item.Game.ID == "" {
				continue
			}
			stats := firstGOGStats(item.Stats)
			games = append(games, newOwnedGame(models.PlatformGOG, item.Game.ID, item.Game.Title, stats.Playtime, ParseTimeOrNil(stats.LastSession)))
		}

		if page >= resp.Pages || len(resp.Embedded.Items) == 0 {
			return games, nil
		}
		if err := g.client.Pause(ctx); err != nil {
			return nil, err
		}
	}
}

func firstGOGStats(raw json.RawMessage) gogStats {
	var byUser map[string]gogStats
	if err := json.Unmarshal(raw, &byUser); err != nil {
		return gogStats{}
	}
	for _, s := range byUser {
		return s
	}
	return gogStats{}
}
