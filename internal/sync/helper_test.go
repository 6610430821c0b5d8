package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairsync/pairsync/internal/db"
)

// sqliteConfig builds a file-backed SQLite endpoint config so data survives
// reconnects within a test.
func sqliteConfig(t *testing.T, id, name string, isLocal bool) db.Config {
	t.Helper()
	return db.Config{
		ID:       id,
		Name:     name,
		Dialect:  "sqlite",
		Database: filepath.Join(t.TempDir(), name+".db"),
		IsLocal:  isLocal,
	}
}

func newEndpoint(t *testing.T, cfg db.Config) *db.Endpoint {
	t.Helper()
	ep, err := db.NewEndpoint(cfg)
	require.NoError(t, err)
	require.NoError(t, ep.Connect(context.Background()))
	t.Cleanup(func() { ep.Close() })
	return ep
}

// createUsersTable provisions the canonical test table used throughout the
// sync tests: integer key, a payload column, and an updated_at freshness
// column.
func createUsersTable(t *testing.T, ep *db.Endpoint) {
	t.Helper()
	require.NoError(t, ep.ExecRaw(context.Background(), `
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT,
			updated_at TEXT
		)`))
}

func insertUser(t *testing.T, ep *db.Endpoint, id int, name string, updatedAt time.Time) {
	t.Helper()
	_, err := ep.Exec(context.Background(),
		"INSERT INTO users (id, name, updated_at) VALUES (?, ?, ?)",
		id, name, updatedAt.UTC().Format(TimeLayout))
	require.NoError(t, err)
}

func userNames(t *testing.T, ep *db.Endpoint) map[int]string {
	t.Helper()
	rows, err := ep.QueryRows(context.Background(), "SELECT id, name FROM users ORDER BY id")
	require.NoError(t, err)
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[int(toInt64(r["id"]))] = canonValue(r["name"])
	}
	return out
}

// fastOptions keeps retry waits out of the test runtime.
func fastOptions() Options {
	return Options{BatchSize: 1000, RetryAttempts: 1, RetryDelay: time.Millisecond}
}

// setupCapture provisions changelog plus triggers for users on an endpoint.
func setupCapture(t *testing.T, ep *db.Endpoint) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, EnsureChangelogTable(ctx, ep, "users"))
	require.NoError(t, InstallCapture(ctx, ep, "users", ep.ID()))
}
