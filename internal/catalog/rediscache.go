package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anastasis-go/anastasis/internal/model"
)

// RedisCache backs the provider catalog with a shared Redis instance
// so a fleet of anastasis-httpd daemons behind the same reverse proxy
// does not each pay the 60s /config timeout independently (spec
// §4.C's "cached per session" is widened to "cached per deployment").
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, url string) (model.ProviderConfig, bool) {
	raw, err := c.client.Get(ctx, redisKey(url)).Bytes()
	if err != nil {
		return model.ProviderConfig{}, false
	}
	var cfg model.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.ProviderConfig{}, false
	}
	return cfg, true
}

func (c *RedisCache) Set(ctx context.Context, url string, cfg model.ProviderConfig) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, redisKey(url), raw, c.ttl).Err()
}

func redisKey(url string) string {
	return "anastasis:catalog:" + url
}
