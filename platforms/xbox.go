package platforms

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"game-library-sync/models"
)

var xuidPattern = regexp.MustCompile(`^\d{16}$`)

// XboxAdapter uses an OpenXBL-compatible REST API. Title history carries no
// playtime, so Xbox records report zero minutes and rely on other sources.
type XboxAdapter struct {
	client *Client
}

func NewXboxAdapter(client *Client) *XboxAdapter {
	return &XboxAdapter{client: client}
}

func (x *XboxAdapter) Platform() models.Platform { return models.PlatformXbox }

// ResolveIdentifier maps a gamertag to its XUID.
func (x *XboxAdapter) ResolveIdentifier(ctx context.Context, identifier string, limiter *RateLimiter) (string, error) {
	gamertag := strings.TrimSpace(identifier)
	if gamertag == "" {
		return "", NewError(models.PlatformXbox, KindNotFound, "resolve identifier", errors.New("empty gamertag"))
	}
	if xuidPattern.MatchString(gamertag) {
		return gamertag, nil
	}

	var resp struct {
		People []struct {
			XUID     string `json:"xuid"`
			Gamertag string `json:"gamertag"`
		} `json:"people"`
	}
	err := x.client.GetJSON(ctx, limiter, Call{
		Op:   "resolve identifier",
		Path: "/api/v2/search/" + url.PathEscape(gamertag),
	}, &resp)
	if err != nil {
		return "", err
	}
	for _, p := range resp.People {
		if strings.EqualFold(p.Gamertag, gamertag) && p.XUID != "" {
			return p.XUID, nil
		}
	}
	return "", NewError(models.PlatformXbox, KindNotFound, "resolve identifier", errors.New("gamertag not found"))
}

func (x *XboxAdapter) FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error) {
	var resp struct {
		XUID   string `json:"xuid"`
		Titles []struct {
			TitleID      string `json:"titleId"`
			Name         string `json:"name"`
			TitleHistory struct {
				LastTimePlayed string `json:"lastTimePlayed"`
			} `json:"titleHistory"`
		} `json:"titles"`
	}
	err := x.client.GetJSON(ctx, limiter, Call{
		Op:   "owned games",
		Path: "/api/v2/player/titleHistory/" + url.PathEscape(accountID),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Titles == nil {
		return nil, NewError(models.PlatformXbox, KindPrivate, "owned games", errors.New("title history is not visible"))
	}

	games := make([]OwnedGame, 0, len(resp.Titles))
	for _, t := range resp.Titles {
		if t.TitleID == "" {
			continue
		}
		games = append(games, newOwnedGame(models.PlatformXbox, t.TitleID, t.Name, 0, ParseTimeOrNil(t.TitleHistory.LastTimePlayed)))
	}
	return games, nil
}

func (x *XboxAdapter) FetchAchievements(ctx context.Context, externalGameID, accountID string, limiter *RateLimiter) ([]AchievementUnlock, error) {
	var resp struct {
		Achievements []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			ProgressState string `json:"progressState"`
			Progression   struct {
				TimeUnlocked string `json:"timeUnlocked"`
			} `json:"progression"`
		} `json:"achievements"`
	}
	err := x.client.GetJSON(ctx, limiter, Call{
		Op:   "achievements",
		Path: "/api/v2/achievements/player/" + url.PathEscape(accountID) + "/" + url.PathEscape(externalGameID),
	}, &resp)
	if err != nil {
		return nil, err
	}

	unlocks := make([]AchievementUnlock, 0, len(resp.Achievements))
	for _, a := range resp.Achievements {
		if a.ID == "" {
			continue
		}
		unlock := AchievementUnlock{ExternalID: a.ID, Name: a.Name, Unlocked: a.ProgressState == "Achieved"}
		if unlock.Unlocked {
			unlock.UnlockedAt = ParseTimeOrNil(a.Progression.TimeUnlocked)
		}
		unlocks = append(unlocks, unlock)
	}
	return unlocks, nil
}
