package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairsync/pairsync/internal/db"
)

func applyPair(t *testing.T) (source, target *db.Endpoint) {
	t.Helper()
	source = newEndpoint(t, sqliteConfig(t, "src-id", "source", true))
	target = newEndpoint(t, sqliteConfig(t, "tgt-id", "target", false))
	createUsersTable(t, source)
	createUsersTable(t, target)
	return source, target
}

func TestApplyInsert(t *testing.T) {
	source, target := applyPair(t)
	insertUser(t, source, 1, "ada", time.Now())

	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 1, Operation: OpInsert, Table: "users", PrimaryKey: map[string]any{"id": 1}}
	require.NoError(t, applier.Apply(context.Background(), rec))

	assert.Equal(t, map[int]string{1: "ada"}, userNames(t, target))
	// Re-applying the same record is a no-op, not a duplicate.
	require.NoError(t, applier.Apply(context.Background(), rec))
	assert.Equal(t, map[int]string{1: "ada"}, userNames(t, target))
}

func TestApplyInsertVanishedSourceIsNoop(t *testing.T) {
	source, target := applyPair(t)

	applier := NewApplier(source, target, fastOptions())
	// The source row was deleted after logging; the matching delete record
	// covers convergence, so this record completes without effect.
	rec := ChangeRecord{ID: 1, Operation: OpInsert, Table: "users", PrimaryKey: map[string]any{"id": 99}}
	require.NoError(t, applier.Apply(context.Background(), rec))
	assert.Empty(t, userNames(t, target))
}

func TestApplyUpdate(t *testing.T) {
	source, target := applyPair(t)
	now := time.Now()
	insertUser(t, source, 1, "ada l.", now)
	insertUser(t, target, 1, "ada", now)

	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 2, Operation: OpUpdate, Table: "users", PrimaryKey: map[string]any{"id": 1}}
	require.NoError(t, applier.Apply(context.Background(), rec))

	assert.Equal(t, map[int]string{1: "ada l."}, userNames(t, target))
}

func TestApplyUpdateMissingTargetInserts(t *testing.T) {
	source, target := applyPair(t)
	insertUser(t, source, 7, "new", time.Now())

	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 3, Operation: OpUpdate, Table: "users", PrimaryKey: map[string]any{"id": 7}}
	require.NoError(t, applier.Apply(context.Background(), rec))

	assert.Equal(t, map[int]string{7: "new"}, userNames(t, target))
}

func TestApplyUpdateEqualRowsSkipsStatement(t *testing.T) {
	source, target := applyPair(t)
	now := time.Now()
	insertUser(t, source, 1, "same", now)
	insertUser(t, target, 1, "same", now)
	setupCapture(t, target)

	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 4, Operation: OpUpdate, Table: "users", PrimaryKey: map[string]any{"id": 1}}
	require.NoError(t, applier.Apply(context.Background(), rec))

	// An identical row must not produce a changelog echo on the target.
	n, err := target.TableRowCount(context.Background(), "users_changelog")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyDelete(t *testing.T) {
	source, target := applyPair(t)
	insertUser(t, target, 1, "doomed", time.Now())

	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 5, Operation: OpDelete, Table: "users", PrimaryKey: map[string]any{"id": 1}}
	require.NoError(t, applier.Apply(context.Background(), rec))
	assert.Empty(t, userNames(t, target))

	// Deleting an absent row is still success.
	require.NoError(t, applier.Apply(context.Background(), rec))
}

func TestApplyUnknownOperation(t *testing.T) {
	source, target := applyPair(t)
	applier := NewApplier(source, target, fastOptions())
	rec := ChangeRecord{ID: 6, Operation: "TRUNCATE", Table: "users", PrimaryKey: map[string]any{"id": 1}}
	err := applier.Apply(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestApplyRetriesExhaust(t *testing.T) {
	source, target := applyPair(t)
	applier := NewApplier(source, target, Options{RetryAttempts: 2, RetryDelay: time.Millisecond, BatchSize: 10})

	// A missing target table fails every attempt; one error surfaces.
	insertUser(t, source, 42, "stuck", time.Now())
	require.NoError(t, target.ExecRaw(context.Background(), "DROP TABLE users"))
	rec := ChangeRecord{ID: 7, Operation: OpInsert, Table: "users", PrimaryKey: map[string]any{"id": 42}}
	err := applier.Apply(context.Background(), rec)
	require.Error(t, err)
}

func TestRowsEqual(t *testing.T) {
	now := time.Now()
	a := map[string]any{"id": int64(1), "name": "x", "flag": true, "t": now}
	b := map[string]any{"id": 1, "name": "x", "flag": int64(1), "t": now.UTC()}
	// int64(1) vs int 1 and bool vs 1 normalize to the same canonical form.
	assert.True(t, rowsEqual(a, b))

	c := map[string]any{"id": int64(1), "name": "y", "flag": true, "t": now}
	assert.False(t, rowsEqual(a, c))
	assert.False(t, rowsEqual(a, map[string]any{"id": int64(1)}))
}
