package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// DefaultGatewayURL is the endpoint that reports the recommended shard
// count for a bot token.
const DefaultGatewayURL = "https://discord.com/api/v10/gateway/bot"

// DefaultGuildsPerShard is the gateway's own sizing assumption.
const DefaultGuildsPerShard = 1000

var (
	// ErrInvalidGuildID is returned for guild ids that are not snowflakes.
	ErrInvalidGuildID = errors.New("invalid guild id")
	// ErrNoShards is returned when hashing into an empty shard space.
	ErrNoShards = errors.New("total shards must be positive")
)

// GatewayDiscoverer asks the gateway how many shards a bot should run.
type GatewayDiscoverer struct {
	// URL overrides DefaultGatewayURL.
	URL string

	// GuildsPerShard scales the recommendation; 0 means
	// DefaultGuildsPerShard, which leaves it unchanged.
	GuildsPerShard int
}

type gatewayBot struct {
	Shards int `json:"shards"`
}

// RecommendedShards implements partition.Discoverer.
func (d *GatewayDiscoverer) RecommendedShards(ctx context.Context, token string) (int, error) {
	url := d.URL
	if url == "" {
		url = DefaultGatewayURL
	}
	per := d.GuildsPerShard
	if per <= 0 {
		per = DefaultGuildsPerShard
	}

	header := http.Header{}
	header.Set("Authorization", "Bot "+StripBotPrefix(token))

	var body gatewayBot
	if err := GetJSON(ctx, url, header, &body); err != nil {
		return 0, fmt.Errorf("fetch recommended shards: %w", err)
	}
	if body.Shards <= 0 {
		return 0, fmt.Errorf("fetch recommended shards: gateway returned %d", body.Shards)
	}
	return int(math.Ceil(float64(body.Shards) * (float64(DefaultGuildsPerShard) / float64(per)))), nil
}

// StripBotPrefix removes a leading "Bot " from a token.
func StripBotPrefix(token string) string {
	return strings.TrimPrefix(token, "Bot ")
}

// ShardForGuild maps a guild id to its shard: (id >> 22) % totalShards.
func ShardForGuild(guildID string, totalShards int) (int, error) {
	if totalShards <= 0 {
		return 0, ErrNoShards
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGuildID, guildID)
	}
	return int((id >> 22) % uint64(totalShards)), nil
}
