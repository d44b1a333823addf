package models

import (
	"fmt"
	"strings"
)

// Platform identifies an external game-ownership source.
type Platform string

const (
	PlatformSteam       Platform = "steam"
	PlatformXbox        Platform = "xbox"
	PlatformPlayStation Platform = "playstation"
	PlatformGOG         Platform = "gog"
	PlatformItch        Platform = "itch"
	PlatformFileImport  Platform = "file"
)

// Platforms lists every supported platform in source-bit order.
var Platforms = []Platform{
	PlatformSteam,
	PlatformXbox,
	PlatformPlayStation,
	PlatformGOG,
	PlatformItch,
	PlatformFileImport,
}

// SourceBit returns the ownership bitmask flag for the platform, 0 if unknown.
func (p Platform) SourceBit() uint32 {
	for i, candidate := range Platforms {
		if candidate == p {
			return 1 << uint(i)
		}
	}
	return 0
}

func (p Platform) Valid() bool {
	return p.SourceBit() != 0
}

// ParsePlatform accepts the slug form used in task messages and URLs.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case "raptr", "import":
		return PlatformFileImport, nil
	case "psn", "ps":
		return PlatformPlayStation, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", raw)
	}
	return p, nil
}

// PlatformsFromSources expands an ownership bitmask.
func PlatformsFromSources(sources uint32) []Platform {
	var out []Platform
	for _, p := range Platforms {
		if sources&p.SourceBit() != 0 {
			out = append(out, p)
		}
	}
	return out
}
