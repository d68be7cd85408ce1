package database

import (
	"testing"

	"github.com/waveworks/wave/pkg/database"
	"github.com/waveworks/wave/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The container/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	entClient, db := util.SetupTestDatabase(t)

	// Cleanup (schema drop and connection close) is handled by SetupTestDatabase.
	return database.NewClientFromEnt(entClient, db)
}
