package platforms

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"game-library-sync/models"
)

var steamID64Pattern = regexp.MustCompile(`^7656\d{13}$`)

// SteamAdapter talks to the Steam Web API.
type SteamAdapter struct {
	client *Client
	apiKey string
}

func NewSteamAdapter(client *Client, apiKey string) *SteamAdapter {
	return &SteamAdapter{client: client, apiKey: apiKey}
}

func (s *SteamAdapter) Platform() models.Platform { return models.PlatformSteam }

// ResolveIdentifier accepts a SteamID64, a vanity name or a community profile URL.
func (s *SteamAdapter) ResolveIdentifier(ctx context.Context, identifier string, limiter *RateLimiter) (string, error) {
	id := strings.TrimSpace(identifier)
	id = strings.TrimSuffix(id, "/")
	if i := strings.LastIndex(id, "/profiles/"); i >= 0 {
		id = id[i+len("/profiles/"):]
	} else if i := strings.LastIndex(id, "/id/"); i >= 0 {
		id = id[i+len("/id/"):]
	}
	if id == "" {
		return "", NewError(models.PlatformSteam, KindNotFound, "resolve identifier", errors.New("empty identifier"))
	}
	if steamID64Pattern.MatchString(id) {
		return id, nil
	}

	var resp struct {
		Response struct {
			SteamID string `json:"steamid"`
			Success int    `json:"success"`
			Message string `json:"message"`
		} `json:"response"`
	}
	err := s.client.GetJSON(ctx, limiter, Call{
		Op:    "resolve identifier",
		Path:  "/ISteamUser/ResolveVanityURL/v1/",
		Query: url.Values{"key": {s.apiKey}, "vanityurl": {id}},
	}, &resp)
	if err != nil {
		return "", err
	}

	switch resp.Response.Success {
	case 1:
		if !steamID64Pattern.MatchString(resp.Response.SteamID) {
			return "", NewError(models.PlatformSteam, KindMalformed, "resolve identifier", errors.New("invalid steamid in response"))
		}
		return resp.Response.SteamID, nil
	case 42: // no match
		return "", NewError(models.PlatformSteam, KindNotFound, "resolve identifier", errors.New(resp.Response.Message))
	default:
		return "", NewError(models.PlatformSteam, KindMalformed, "resolve identifier", errors.New("unexpected success code "+strconv.Itoa(resp.Response.Success)))
	}
}

func (s *SteamAdapter) FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error) {
	var resp struct {
		Response struct {
			GameCount *int `json:"game_count"`
			Games     []struct {
				AppID           int64  `json:"appid"`
				Name            string `json:"name"`
				PlaytimeForever int64  `json:"playtime_forever"`
				LastPlayed      int64  `json:"rtime_last_played"`
			} `json:"games"`
		} `json:"response"`
	}
	err := s.client.GetJSON(ctx, limiter, Call{
		Op:   "owned games",
		Path: "/IPlayerService/GetOwnedGames/v1/",
		Query: url.Values{
			"key":                       {s.apiKey},
			"steamid":                   {accountID},
			"include_appinfo":           {"1"},
			"include_played_free_games": {"1"},
			"format":                    {"json"},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	// Private profiles come back as an empty response object.
	if resp.Response.GameCount == nil {
		return nil, NewError(models.PlatformSteam, KindPrivate, "owned games", errors.New("game details are not public"))
	}

	games := make([]OwnedGame, 0, len(resp.Response.Games))
	for _, g := range resp.Response.Games {
		if g.AppID <= 0 {
			continue
		}
		games = append(games, newOwnedGame(models.PlatformSteam, strconv.FormatInt(g.AppID, 10), g.Name, g.PlaytimeForever, UnixOrNil(g.LastPlayed)))
	}
	return games, nil
}

func (s *SteamAdapter) FetchAchievements(ctx context.Context, externalGameID, accountID string, limiter *RateLimiter) ([]AchievementUnlock, error) {
	var resp struct {
		PlayerStats struct {
			Success      bool   `json:"success"`
			Error        string `json:"error"`
			Achievements []struct {
				APIName    string `json:"apiname"`
				Name       string `json:"name"`
				Achieved   int    `json:"achieved"`
				UnlockTime int64  `json:"unlocktime"`
			} `json:"achievements"`
		} `json:"playerstats"`
	}
	err := s.client.GetJSON(ctx, limiter, Call{
		Op:   "achievements",
		Path: "/ISteamUserStats/GetPlayerAchievements/v1/",
		Query: url.Values{
			"key":     {s.apiKey},
			"steamid": {accountID},
			"appid":   {externalGameID},
			"l":       {"english"},
		},
	}, &resp)
	if err != nil {
		// Games without stats answer 400 "Requested app has no stats".
		var perr *Error
		if errors.As(err, &perr) && perr.StatusCode == http.StatusBadRequest {
			return nil, nil
		}
		return nil, err
	}

	unlocks := make([]AchievementUnlock, 0, len(resp.PlayerStats.Achievements))
	for _, a := range resp.PlayerStats.Achievements {
		if a.APIName == "" {
			continue
		}
		unlock := AchievementUnlock{ExternalID: a.APIName, Name: a.Name, Unlocked: a.Achieved == 1}
		if unlock.Unlocked {
			unlock.UnlockedAt = UnixOrNil(a.UnlockTime)
		}
		unlocks = append(unlocks, unlock)
	}
	return unlocks, nil
}
