package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connect returns nil, nil when redisURL is empty. Every consumer of the
// client treats nil as "no cache, no fan-out".
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
