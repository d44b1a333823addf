package platforms

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"game-library-sync/models"
)

// ItchAdapter lists the download keys owned by an itch.io account. The account
// identifier is the user's API key; itch reports no playtime.
type ItchAdapter struct {
	client *Client
}

func NewItchAdapter(client *Client) *ItchAdapter {
	return &ItchAdapter{client: client}
}

func (i *ItchAdapter) Platform() models.Platform { return models.PlatformItch }

func bearer(key string) http.Header {
	return http.Header{"Authorization": {"Bearer " + key}}
}

// ResolveIdentifier checks the key against the profile endpoint. An invalid
// key means there is no account to sync.
func (i *ItchAdapter) ResolveIdentifier(ctx context.Context, identifier string, limiter *RateLimiter) (string, error) {
	key := strings.TrimSpace(identifier)
	if key == "" {
		return "", NewError(models.PlatformItch, KindNotFound, "resolve identifier", errors.New("empty api key"))
	}
	var resp struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	err := i.client.GetJSON(ctx, limiter, Call{Op: "resolve identifier", Path: "/profile", Header: bearer(key)}, &resp)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindPrivate {
			perr.Kind = KindNotFound
		}
		return "", err
	}
	if resp.User.ID == 0 {
		return "", NewError(models.PlatformItch, KindNotFound, "resolve identifier", errors.New("key has no user"))
	}
	return key, nil
}

func (i *ItchAdapter) FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error) {
	var games []OwnedGame
	seen := make(map[int64]bool)
	for page := 1; ; page++ {
		var resp struct {
			PerPage   int `json:"per_page"`
			OwnedKeys []struct {
				GameID int64 `json:"game_id"`
				Game   struct {
					ID    int64  `json:"id"`
					Title string `json:"title"`
				} `json:"game"`
			} `json:"owned_keys"`
		}
		err := i.client.GetJSON(ctx, limiter, Call{
			Op:     "owned games",
			Path:   "/profile/owned-keys",
			Query:  map[string][]string{"page": {strconv.Itoa(page)}},
			Header: bearer(accountID),
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, k := range resp.OwnedKeys {
			id := k.GameID
			if id == 0 {
				id = k.Game.ID
			}
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true
			games = append(games, newOwnedGame(models.PlatformItch, strconv.FormatInt(id, 10), k.Game.Title, 0, nil))
		}

		if len(resp.OwnedKeys) == 0 || (resp.PerPage > 0 && len(resp.OwnedKeys) < resp.PerPage) {
			return games, nil
		}
		if err := i.client.Pause(ctx); err != nil {
			return nil, err
		}
	}
}
