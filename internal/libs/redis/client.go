package rediscli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultClientName tags boothscan connections in CLIENT LIST.
const DefaultClientName = "boothscan"

type Config struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	User       string `yaml:"user"`
	DB         int    `yaml:"db"`
	ClientName string `yaml:"client_name"`
	PoolSize   int    `yaml:"pool_size"`
}

// NewClient connects and pings. The same instance usually holds the task
// records, the priority queue and the result cache, so a maxmemory policy
// that may evict any key is reported: only cached results are safe to lose.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Username:   cfg.User,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: cfg.ClientName,
		PoolSize:   cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	checkEvictionPolicy(ctx, client)

	return client, nil
}

func checkEvictionPolicy(ctx context.Context, client *redis.Client) {
	res, err := client.ConfigGet(ctx, "maxmemory-policy").Result()
	if err != nil {
		// managed instances often disable CONFIG
		slog.Debug("redis: cannot read maxmemory-policy", slog.String("error", err.Error()))
		return
	}

	if policy := res["maxmemory-policy"]; evictsTasks(policy) {
		slog.Warn("redis: eviction policy may drop task records",
			slog.String("maxmemory_policy", policy),
		)
	}
}

// evictsTasks reports whether policy can evict keys without a TTL. Task
// records and the queue carry none; the expiry sweeper removes them.
func evictsTasks(policy string) bool {
	return strings.HasPrefix(policy, "allkeys-")
}
