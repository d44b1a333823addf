package platforms

import (
	"net/http"

	"game-library-sync/config"
	"game-library-sync/logging"
	"game-library-sync/models"
	"game-library-sync/utils"
)

// Build wires the enabled adapters and the shared rate limiter from configuration.
// A nil store disables the file-import adapter.
func Build(cfg config.PlatformsConfig, store utils.ObjectStore) (*Registry, *RateLimiter) {
	limits := make(map[models.Platform]Limit)
	var adapters []Adapter

	newClient := func(p models.Platform, pc config.PlatformConfig, header http.Header) *Client {
		limits[p] = Limit{
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			DailyQuota:        pc.DailyQuota,
		}
		return NewClient(ClientConfig{
			Platform:  p,
			BaseURL:   pc.BaseURL,
			Header:    header,
			PageDelay: pc.PageDelay,
			HTTP:      utils.NewHTTPClient(pc.Timeout),
		})
	}

	if cfg.Steam.Enabled {
		adapters = append(adapters, NewSteamAdapter(newClient(models.PlatformSteam, cfg.Steam, nil), cfg.Steam.APIKey))
	}
	if cfg.Xbox.Enabled {
		header := http.Header{"X-Authorization": {cfg.Xbox.APIKey}}
		adapters = append(adapters, NewXboxAdapter(newClient(models.PlatformXbox, cfg.Xbox, header)))
	}
	if cfg.PlayStation.Enabled {
		adapters = append(adapters, NewPlayStationAdapter(newClient(models.PlatformPlayStation, cfg.PlayStation, bearer(cfg.PlayStation.APIKey))))
	}
	if cfg.GOG.Enabled {
		adapters = append(adapters, NewGOGAdapter(newClient(models.PlatformGOG, cfg.GOG, nil)))
	}
	if cfg.Itch.Enabled {
		adapters = append(adapters, NewItchAdapter(newClient(models.PlatformItch, cfg.Itch, nil)))
	}
	if store != nil {
		adapters = append(adapters, NewFileImportAdapter(store))
	}

	registry := NewRegistry(adapters...)
	logging.Info().Interface("platforms", registry.Platforms()).Msg("[ADAPTER] Platform adapters registered")
	return registry, NewRateLimiter(limits)
}
