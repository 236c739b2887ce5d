package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bloodlink/internal/platform/config"
)

const clientName = "bloodlink"

// Client is the shared connection for the profile cache. It remembers the key
// prefix and entry TTL the cache backend should use.
type Client struct {
	*redis.Client
	KeyPrefix string
	CacheTTL  time.Duration
}

// New connects and pings. It returns nil, nil when REDIS_URL is unset so the
// caller can fall back to the in-memory cache.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		Client:    client,
		KeyPrefix: normalizePrefix(cfg.KeyPrefix),
		CacheTTL:  cfg.CacheTTL,
	}, nil
}

func options(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.CacheTTL < 0 {
		return nil, errors.New("redis cache TTL must not be negative")
	}

	opts.ClientName = clientName
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// normalizePrefix makes sure keys read as "<prefix>:<namespace>:<key>".
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return clientName + ":"
	}
	if !strings.HasSuffix(prefix, ":") {
		return prefix + ":"
	}
	return prefix
}

// Health pings the server; it backs the "redis" entry of /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.Client.Close()
}
