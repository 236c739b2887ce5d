// Package cache is the persistent key/value layer for per-context snapshots.
//
// Reads never fail: a backend error, a missing key or an undecodable value are
// all reported as a miss. Undecodable values are evicted so the next write
// starts clean.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"bloodlink/internal/platform/metrics"
	"bloodlink/pkg/platform/sentinel"
)

// Cache stores JSON-encoded values in a Backend under an optional namespace.
type Cache struct {
	backend Backend
	ns      string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns a view whose keys are prefixed with ns. Views share the
// backend, logger and metrics.
func (c *Cache) Namespace(ns string) *Cache {
	cp := *c
	cp.ns = c.ns + ns + ":"
	return &cp
}

// Get decodes the value under key into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	raw, err := c.backend.Get(ctx, c.ns+key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			c.metrics.IncrementCacheMiss("absent")
			return false
		}
		c.logger.WarnContext(ctx, "cache read failed", "key", c.ns+key, "error", err)
		c.metrics.IncrementCacheMiss("backend")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.WarnContext(ctx, "evicting corrupt cache value", "key", c.ns+key, "error", err)
		c.metrics.IncrementCacheMiss("corrupt")
		c.Remove(ctx, key)
		return false
	}
	return true
}

// Set encodes v and stores it under key. Failures are logged only.
func (c *Cache) Set(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.ErrorContext(ctx, "cache value not encodable", "key", c.ns+key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, c.ns+key, raw); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", c.ns+key, "error", err)
	}
}

// Remove deletes key. Failures are logged only.
func (c *Cache) Remove(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, c.ns+key); err != nil {
		c.logger.WarnContext(ctx, "cache delete failed", "key", c.ns+key, "error", err)
	}
}
