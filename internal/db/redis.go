package db

import (
	"context"
	"log"
	"time"

	"trackshare-client/internal/config"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis returns a client for the stream bridge, or nil when no
// address is configured (single-process mode). An unreachable server is
// logged but not fatal; the hub falls back to local delivery.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable at %s: %v", cfg.RedisAddr, err)
	}
	return client
}
