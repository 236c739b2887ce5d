package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodlink/internal/platform/config"
)

func TestNew_UnsetURLFallsBack(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestOptions(t *testing.T) {
	t.Run("applies pool and timeouts", func(t *testing.T) {
		opts, err := options(config.RedisConfig{
			URL:          "redis://localhost:6379/2",
			PoolSize:     7,
			MinIdleConns: 1,
			DialTimeout:  time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", opts.Addr)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 7, opts.PoolSize)
		assert.Equal(t, clientName, opts.ClientName)
		assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	})

	t.Run("rejects a malformed URL", func(t *testing.T) {
		_, err := options(config.RedisConfig{URL: "://nope"})
		assert.Error(t, err)
	})

	t.Run("rejects a negative TTL", func(t *testing.T) {
		_, err := options(config.RedisConfig{URL: "redis://localhost:6379", CacheTTL: -time.Second})
		assert.Error(t, err)
	})
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "bloodlink:", normalizePrefix(""))
	assert.Equal(t, "donors:", normalizePrefix("donors"))
	assert.Equal(t, "donors:", normalizePrefix("donors:"))
}
