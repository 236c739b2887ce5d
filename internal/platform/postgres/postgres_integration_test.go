//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodlink/pkg/testutil/containers"
)

func TestRunMigrations_Integration(t *testing.T) {
	pg := containers.NewPostgresContainer(t)

	require.NoError(t, RunMigrations(pg.DSN))
	// Second run is a no-op.
	require.NoError(t, RunMigrations(pg.DSN))

	var exists bool
	err := pg.DB.QueryRowContext(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'profiles')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}
