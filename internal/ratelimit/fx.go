package ratelimit

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/voltara/internal/config"
	"go.uber.org/fx"
)

// NewFromConfig builds the provider pacer, attaching the shared redis bucket
// when REDIS_ADDR is configured.
func NewFromConfig(cfg config.Config) *Pacer {
	pacer := NewPacer(cfg.Ingest.RequestDelay)
	if cfg.RedisAddr == "" {
		return pacer
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	// One request per pacing interval, with a small burst to absorb retries.
	rate := 1.0
	if cfg.Ingest.RequestDelay > 0 {
		rate = float64(1e9) / float64(cfg.Ingest.RequestDelay.Nanoseconds())
	}
	return pacer.WithBucket(NewTokenBucket(client), rate, 5)
}

// Module provides the provider request pacer.
var Module = fx.Module("ratelimit",
	fx.Provide(NewFromConfig),
)
