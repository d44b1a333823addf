package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-library-sync/models"
	"game-library-sync/utils"
)

func newTestClient(t *testing.T, p models.Platform, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Platform: p, BaseURL: srv.URL, HTTP: srv.Client()})
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusUnauthorized, KindPrivate},
		{http.StatusForbidden, KindPrivate},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadGateway, KindNetwork},
		{http.StatusBadRequest, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			client := newTestClient(t, models.PlatformSteam, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			var out map[string]any
			err := client.GetJSON(context.Background(), nil, Call{Op: "test", Path: "/"}, &out)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClient_MalformedBody(t *testing.T) {
	client := newTestClient(t, models.PlatformGOG, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})
	var out map[string]any
	err := client.GetJSON(context.Background(), nil, Call{Op: "test", Path: "/"}, &out)
	kind, _ := KindOf(err)
	assert.Equal(t, KindMalformed, kind)
	assert.False(t, IsTransient(err))
	assert.False(t, IsTerminal(err))
}

func TestClient_TerminalErrorsDoNotOpenBreaker(t *testing.T) {
	client := newTestClient(t, models.PlatformXbox, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for i := 0; i < 10; i++ {
		err := client.GetJSON(context.Background(), nil, Call{Op: "test", Path: "/"}, &struct{}{})
		kind, _ := KindOf(err)
		require.Equal(t, KindNotFound, kind)
	}
}

func TestClient_BreakerOpensOnOutage(t *testing.T) {
	client := newTestClient(t, models.PlatformItch, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var last error
	for i := 0; i < 6; i++ {
		last = client.GetJSON(context.Background(), nil, Call{Op: "test", Path: "/"}, &struct{}{})
	}
	assert.True(t, IsTransient(last))
	assert.Contains(t, last.Error(), "circuit breaker is open")
}

func TestSteam_ResolveIdentifier(t *testing.T) {
	client := newTestClient(t, models.PlatformSteam, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ISteamUser/ResolveVanityURL/v1/", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("vanityurl") {
		case "gaben":
			_, _ = w.Write([]byte(`{"response":{"steamid":"76561197960287930","success":1}}`))
		default:
			_, _ = w.Write([]byte(`{"response":{"success":42,"message":"No match"}}`))
		}
	})
	steam := NewSteamAdapter(client, "key")
	ctx := context.Background()

	id, err := steam.ResolveIdentifier(ctx, "76561198000000001", nil)
	require.NoError(t, err)
	assert.Equal(t, "76561198000000001", id)

	id, err = steam.ResolveIdentifier(ctx, "https://steamcommunity.com/id/gaben/", nil)
	require.NoError(t, err)
	assert.Equal(t, "76561197960287930", id)

	_, err = steam.ResolveIdentifier(ctx, "nobody", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, KindNotFound, kind)
	assert.True(t, IsTerminal(err))
}

func TestSteam_FetchOwnedGames(t *testing.T) {
	client := newTestClient(t, models.PlatformSteam, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("steamid") {
		case "76561198000000001":
			_, _ = w.Write([]byte(`{"response":{"game_count":3,"games":[
				{"appid":10,"name":"Half-Life","playtime_forever":120,"rtime_last_played":1700000000},
				{"appid":20,"name":"Team Fortress Classic","playtime_forever":-5,"rtime_last_played":0},
				{"appid":0,"name":"broken"}]}}`))
		default:
			_, _ = w.Write([]byte(`{"response":{}}`))
		}
	})
	steam := NewSteamAdapter(client, "key")

	games, err := steam.FetchOwnedGames(context.Background(), "76561198000000001", nil)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "10", games[0].ExternalID)
	assert.Equal(t, "Half-Life", games[0].Name)
	assert.Equal(t, int64(120), games[0].PlaytimeMinutes)
	require.NotNil(t, games[0].LastPlayedAt)
	assert.Equal(t, int64(1700000000), games[0].LastPlayedAt.Unix())
	assert.Equal(t, int64(0), games[1].PlaytimeMinutes)
	assert.Nil(t, games[1].LastPlayedAt)

	_, err = steam.FetchOwnedGames(context.Background(), "76561198000000002", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, KindPrivate, kind)
}

func TestSteam_FetchAchievements(t *testing.T) {
	client := newTestClient(t, models.PlatformSteam, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") == "70" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"playerstats":{"error":"Requested app has no stats","success":false}}`))
			return
		}
		_, _ = w.Write([]byte(`{"playerstats":{"success":true,"achievements":[
			{"apiname":"HL_KILL_1","achieved":1,"unlocktime":1600000000},
			{"apiname":"HL_KILL_2","achieved":0,"unlocktime":0}]}}`))
	})
	steam := NewSteamAdapter(client, "key")

	unlocks, err := steam.FetchAchievements(context.Background(), "10", "76561198000000001", nil)
	require.NoError(t, err)
	require.Len(t, unlocks, 2)
	assert.True(t, unlocks[0].Unlocked)
	require.NotNil(t, unlocks[0].UnlockedAt)
	assert.False(t, unlocks[1].Unlocked)
	assert.Nil(t, unlocks[1].UnlockedAt)

	unlocks, err = steam.FetchAchievements(context.Background(), "70", "76561198000000001", nil)
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestXbox_ResolveAndFetch(t *testing.T) {
	client := newTestClient(t, models.PlatformXbox, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v2/search/"):
			_, _ = w.Write([]byte(`{"people":[{"xuid":"2533274800000000","gamertag":"Major Nelson"}]}`))
		case strings.HasPrefix(r.URL.Path, "/api/v2/player/titleHistory/"):
			_, _ = w.Write([]byte(`{"xuid":"2533274800000000","titles":[{"titleId":"1144039928","name":"Halo: MCC","titleHistory":{"lastTimePlayed":"2023-05-01T10:00:00.000Z"}}]}`))
		case strings.HasPrefix(r.URL.Path, "/api/v2/achievements/player/"):
			_, _ = w.Write([]byte(`{"achievements":[{"id":"1","name":"Cairo","progressState":"Achieved","progression":{"timeUnlocked":"2023-04-01T10:00:00Z"}},{"id":"2","progressState":"NotStarted"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	xbox := NewXboxAdapter(client)
	ctx := context.Background()

	xuid, err := xbox.ResolveIdentifier(ctx, "major nelson", nil)
	require.NoError(t, err)
	assert.Equal(t, "2533274800000000", xuid)

	games, err := xbox.FetchOwnedGames(ctx, xuid, nil)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "1144039928", games[0].ExternalID)
	require.NotNil(t, games[0].LastPlayedAt)

	unlocks, err := xbox.FetchAchievements(ctx, "1144039928", xuid, nil)
	require.NoError(t, err)
	require.Len(t, unlocks, 2)
	assert.True(t, unlocks[0].Unlocked)
	assert.False(t, unlocks[1].Unlocked)
}

func TestPlayStation_Pagination(t *testing.T) {
	var calls int
	client := newTestClient(t, models.PlatformPlayStation, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("offset") == "0" {
			_, _ = w.Write([]byte(`{"titles":[{"titleId":"CUSA1","name":"Bloodborne","playDuration":"PT12H30M5S","lastPlayedDateTime":"2022-01-01T00:00:00Z"}],"nextOffset":1,"totalItemCount":2}`))
			return
		}
		_, _ = w.Write([]byte(`{"titles":[{"titleId":"PPSA2","name":"Astro Bot","playDuration":"bogus"}],"totalItemCount":2}`))
	})
	ps := NewPlayStationAdapter(client)

	games, err := ps.FetchOwnedGames(context.Background(), "1234567890123", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, games, 2)
	assert.Equal(t, int64(750), games[0].PlaytimeMinutes)
	assert.Equal(t, int64(0), games[1].PlaytimeMinutes)
}

func TestParseISODurationMinutes(t *testing.T) {
	assert.Equal(t, int64(90), ParseISODurationMinutes("PT1H30M"))
	assert.Equal(t, int64(2), ParseISODurationMinutes("PT150S"))
	assert.Equal(t, int64(0), ParseISODurationMinutes("P1D"))
	assert.Equal(t, int64(0), ParseISODurationMinutes(""))
}

func TestGOG_FetchOwnedGames(t *testing.T) {
	client := newTestClient(t, models.PlatformGOG, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/u/someone/games/stats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`{"page":1,"pages":2,"_embedded":{"items":[{"game":{"id":"1207658924","title":"The Witcher: Enhanced Edition"},"stats":{"48628349957132247":{"playtime":300,"lastSession":"2020-02-02T20:20:20+00:00"}}}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"page":2,"pages":2,"_embedded":{"items":[{"game":{"id":"1","title":"Unplayed"},"stats":[]}]}}`))
	})
	gog := NewGOGAdapter(client)

	id, err := gog.ResolveIdentifier(context.Background(), "https://www.gog.com/u/someone/games", nil)
	require.NoError(t, err)
	assert.Equal(t, "someone", id)

	games, err := gog.FetchOwnedGames(context.Background(), id, nil)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, int64(300), games[0].PlaytimeMinutes)
	require.NotNil(t, games[0].LastPlayedAt)
	assert.Equal(t, int64(0), games[1].PlaytimeMinutes)

	_, err = gog.FetchOwnedGames(context.Background(), "ghost", nil)
	assert.True(t, IsTerminal(err))
}

func TestItch_FetchOwnedGames(t *testing.T) {
	client := newTestClient(t, models.PlatformItch, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/profile":
			_, _ = w.Write([]byte(`{"user":{"id":7}}`))
		case "/profile/owned-keys":
			if r.URL.Query().Get("page") == "1" {
				_, _ = w.Write([]byte(`{"per_page":2,"owned_keys":[{"game_id":1,"game":{"id":1,"title":"Celeste"}},{"game_id":2,"game":{"id":2,"title":"Baba Is You"}}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"per_page":2,"owned_keys":[{"game_id":1,"game":{"id":1,"title":"Celeste"}}]}`))
		}
	})
	itch := NewItchAdapter(client)
	ctx := context.Background()

	_, err := itch.ResolveIdentifier(ctx, "bad", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, KindNotFound, kind)

	key, err := itch.ResolveIdentifier(ctx, "good", nil)
	require.NoError(t, err)

	games, err := itch.FetchOwnedGames(ctx, key, nil)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "Celeste", games[0].Name)
}

func TestFileImport(t *testing.T) {
	ctx := context.Background()
	store := utils.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "imports/u1/library.csv", strings.NewReader(
		"Name,Hours,Last Played,Ignored\nHalf-Life,2,2021-03-04,x\nPortal,,,\n,5,,\nhalf-life,1,,\n"), "text/csv"))
	require.NoError(t, store.Put(ctx, "imports/u1/library.json", strings.NewReader(
		`{"games":[{"id":"abc","title":"Celeste","playtime_minutes":-3}]}`), "application/json"))
	require.NoError(t, store.Put(ctx, "imports/u1/bad.csv", strings.NewReader("foo,bar\n1,2\n"), "text/csv"))

	adapter := NewFileImportAdapter(store)

	games, err := adapter.FetchOwnedGames(ctx, "imports/u1/library.csv", nil)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "half-life", games[0].ExternalID)
	assert.Equal(t, int64(120), games[0].PlaytimeMinutes)
	require.NotNil(t, games[0].LastPlayedAt)
	assert.Equal(t, "portal", games[1].ExternalID)

	games, err = adapter.FetchOwnedGames(ctx, "imports/u1/library.json", nil)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "abc", games[0].ExternalID)
	assert.Equal(t, int64(0), games[0].PlaytimeMinutes)

	_, err = adapter.FetchOwnedGames(ctx, "imports/u1/bad.csv", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, KindMalformed, kind)

	_, err = adapter.FetchOwnedGames(ctx, "imports/u1/missing.csv", nil)
	assert.True(t, IsTerminal(err))
}

func TestRateLimiter_DailyQuota(t *testing.T) {
	limiter := NewRateLimiter(map[models.Platform]Limit{
		models.PlatformSteam: {RequestsPerSecond: 1000, Burst: 10, DailyQuota: 2},
	})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, models.PlatformSteam))
	require.NoError(t, limiter.Wait(ctx, models.PlatformSteam))
	err := limiter.Wait(ctx, models.PlatformSteam)
	kind, _ := KindOf(err)
	assert.Equal(t, KindRateLimited, kind)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int64(2), limiter.Counts()[models.PlatformSteam])

	// Unconfigured platforms are not limited.
	require.NoError(t, limiter.Wait(ctx, models.PlatformGOG))

	limiter.Reset()
	assert.NoError(t, limiter.Wait(ctx, models.PlatformSteam))
}

func TestRateLimiter_ContextDeadline(t *testing.T) {
	limiter := NewRateLimiter(map[models.Platform]Limit{
		models.PlatformXbox: {RequestsPerSecond: 0.01, Burst: 1},
	})
	require.NoError(t, limiter.Wait(context.Background(), models.PlatformXbox))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, models.PlatformXbox)
	assert.True(t, IsTransient(err))
}

func TestClampAndTimes(t *testing.T) {
	assert.Equal(t, int64(0), ClampPlaytime(-1))
	assert.Equal(t, int64(5), ClampPlaytime(5))
	assert.Nil(t, UnixOrNil(-100))
	assert.Nil(t, ParseTimeOrNil("not a date"))
	assert.Nil(t, ParseTimeOrNil("1960-01-01"))
	assert.NotNil(t, ParseTimeOrNil("2023-05-01T10:00:00.123Z"))
	assert.True(t, errors.Is(NewError(models.PlatformSteam, KindNetwork, "x", context.Canceled), context.Canceled))
}
