// Package database provides integration test fixtures backed by a real
// PostgreSQL instance.
package database

import (
	"context"
	"testing"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/database"
	"github.com/recallio/audio-ingest/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a test database client with the full migration set
// applied to an isolated schema.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	connStr := util.SetupTestSchema(t)

	client, err := database.NewClient(context.Background(), config.DatabaseConfig{
		URL:      connStr,
		MaxConns: 10,
		MinConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}
