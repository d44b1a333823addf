package platforms

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"game-library-sync/models"
)

var (
	psnAccountIDPattern = regexp.MustCompile(`^\d{10,20}$`)
	isoDurationPattern  = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?$`)
)

const psnPageSize = 200

// PlayStationAdapter reads the PSN game list. Trophies are not fetched.
type PlayStationAdapter struct {
	client *Client
}

func NewPlayStationAdapter(client *Client) *PlayStationAdapter {
	return &PlayStationAdapter{client: client}
}

func (ps *PlayStationAdapter) Platform() models.Platform { return models.PlatformPlayStation }

// ResolveIdentifier maps an online id to the numeric account id.
func (ps *PlayStationAdapter) ResolveIdentifier(ctx context.Context, identifier string, limiter *RateLimiter) (string, error) {
	onlineID := strings.TrimSpace(identifier)
	if onlineID == "" {
		return "", NewError(models.PlatformPlayStation, KindNotFound, "resolve identifier", errors.New("empty online id"))
	}
	if psnAccountIDPattern.MatchString(onlineID) {
		return onlineID, nil
	}

	var resp struct {
		Profile struct {
			AccountID string `json:"accountId"`
			OnlineID  string `json:"onlineId"`
		} `json:"profile"`
	}
	err := ps.client.GetJSON(ctx, limiter, Call{
		Op:    "resolve identifier",
		Path:  "/userProfile/v1/users/" + url.PathEscape(onlineID) + "/profile2",
		Query: url.Values{"fields": {"accountId,onlineId"}},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Profile.AccountID == "" {
		return "", NewError(models.PlatformPlayStation, KindNotFound, "resolve identifier", errors.New("profile has no account id"))
	}
	return resp.Profile.AccountID, nil
}

func (ps *PlayStationAdapter) FetchOwnedGames(ctx context.Context, accountID string, limiter *RateLimiter) ([]OwnedGame, error) {
	var games []OwnedGame
	offset := 0
	for {
		var resp struct {
			Titles []struct {
				TitleID            string `json:"titleId"`
				Name               string `json:"name"`
				PlayDuration       string `json:"playDuration"`
				LastPlayedDateTime string `json:"lastPlayedDateTime"`
			} `json:"titles"`
			NextOffset     *int `json:"nextOffset"`
			TotalItemCount int  `json:"totalItemCount"`
		}
		err := ps.client.GetJSON(ctx, limiter, Call{
			Op:   "owned games",
			Path: "/api/gamelist/v2/users/" + url.PathEscape(accountID) + "/titles",
			Query: url.Values{
				"categories": {"ps4_game,ps5_native_game"},
				"limit":      {strconv.Itoa(psnPageSize)},
				"offset":     {strconv.Itoa(offset)},
			},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, t := range resp.Titles {
			if t.TitleID == "" {
				continue
			}
			games = append(games, newOwnedGame(models.PlatformPlayStation, t.TitleID, t.Name, ParseISODurationMinutes(t.PlayDuration), ParseTimeOrNil(t.LastPlayedDateTime)))
		}

		if resp.NextOffset == nil || *resp.NextOffset <= offset || len(resp.Titles) == 0 {
			return games, nil
		}
		offset = *resp.NextOffset
		if err := ps.client.Pause(ctx); err != nil {
			return nil, err
		}
	}
}

// ParseISODurationMinutes converts "PT12H34M5S" to whole minutes; anything
// unparsable is zero.
func ParseISODurationMinutes(raw string) int64 {
	m := isoDurationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0
	}
	var minutes int64
	if m[1] != "" {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		minutes += h * 60
	}
	if m[2] != "" {
		mm, _ := strconv.ParseInt(m[2], 10, 64)
		minutes += mm
	}
	if m[3] != "" {
		s, _ := strconv.ParseFloat(m[3], 64)
		minutes += int64(s / 60)
	}
	return ClampPlaytime(minutes)
}
