package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairsync/pairsync/internal/db"
)

func testPair(t *testing.T, direction Direction, resolution Resolution) *Pair {
	t.Helper()
	return &Pair{
		ID:    "pair-1",
		Name:  "test-pair",
		Local: sqliteConfig(t, "local-id", "local", true),
		Cloud: sqliteConfig(t, "cloud-id", "cloud", false),
		Tables: []TablePolicy{
			{Table: "users", Direction: direction, Resolution: resolution, Enabled: true},
		},
		Enabled: true,
	}
}

// provisionPair creates the users table on both sides and installs capture.
// Returns fresh endpoints for inspection after the engine closed its own.
func provisionPair(t *testing.T, pair *Pair) (local, cloud *db.Endpoint) {
	t.Helper()
	local = newEndpoint(t, pair.Local)
	cloud = newEndpoint(t, pair.Cloud)
	createUsersTable(t, local)
	createUsersTable(t, cloud)
	setupCapture(t, local)
	setupCapture(t, cloud)
	return local, cloud
}

func runEngine(t *testing.T, pair *Pair) []SyncResult {
	t.Helper()
	eng, err := NewEngine(pair, fastOptions())
	require.NoError(t, err)
	return eng.SyncAll(context.Background())
}

func TestSyncAllBidirectionalUnion(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	now := time.Now()
	insertUser(t, local, 1, "from-local", now)
	insertUser(t, cloud, 2, "from-cloud", now)

	results := runEngine(t, pair)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "errors: %v", results[0].Errors)
	assert.Positive(t, results[0].RecordsSynced)

	want := map[int]string{1: "from-local", 2: "from-cloud"}
	assert.Equal(t, want, userNames(t, local))
	assert.Equal(t, want, userNames(t, cloud))
}

func TestSyncAllIsIdempotent(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	insertUser(t, local, 1, "once", time.Now())

	runEngine(t, pair)
	// Second cycle over a convergent pair must not change anything.
	results := runEngine(t, pair)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "errors: %v", results[0].Errors)

	want := map[int]string{1: "once"}
	assert.Equal(t, want, userNames(t, local))
	assert.Equal(t, want, userNames(t, cloud))
}

func TestSyncAllOneWayDoesNotFlowBack(t *testing.T) {
	pair := testPair(t, DirectionLocalToCloud, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	now := time.Now()
	insertUser(t, local, 1, "goes-up", now)
	insertUser(t, cloud, 2, "stays-up", now)

	results := runEngine(t, pair)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "errors: %v", results[0].Errors)

	assert.Equal(t, map[int]string{1: "goes-up"}, userNames(t, local),
		"cloud rows must not flow into the local side")
	assert.Equal(t, map[int]string{1: "goes-up", 2: "stays-up"}, userNames(t, cloud))
}

func TestSyncAllDeletePropagation(t *testing.T) {
	pair := testPair(t, DirectionLocalToCloud, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	now := time.Now()
	insertUser(t, local, 1, "a", now)
	insertUser(t, cloud, 1, "a", now)

	_, err := local.Exec(context.Background(), "DELETE FROM users WHERE id = ?", 1)
	require.NoError(t, err)

	results := runEngine(t, pair)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "errors: %v", results[0].Errors)
	assert.Empty(t, userNames(t, cloud), "delete must propagate and not be resurrected")
}

func TestSyncTableNoSync(t *testing.T) {
	pair := testPair(t, DirectionNoSync, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	insertUser(t, local, 1, "private", time.Now())

	results := runEngine(t, pair)
	assert.Empty(t, results, "no_sync tables take no part in a run")
	assert.Empty(t, userNames(t, cloud))
}

func TestSyncAllWritesLastSync(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	provisionPair(t, pair)
	require.Empty(t, pair.LastSync)

	results := runEngine(t, pair)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "errors: %v", results[0].Errors)

	assert.NotEmpty(t, pair.LastSync)
	assert.NotEmpty(t, pair.Tables[0].LastSync)
	_, err := time.Parse(TimeLayout, pair.LastSync)
	assert.NoError(t, err)
}

func TestSyncAllConnectionFailure(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	pair.Cloud = db.Config{
		ID:       "cloud-id",
		Name:     "cloud",
		Dialect:  "postgres",
		Host:     "127.0.0.1",
		Port:     1,
		Database: "nope",
		Username: "u",
		Password: "p",
	}
	eng, err := NewEngine(pair, fastOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := eng.SyncAll(ctx)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].Fatal, "connection failures preclude the run")
	assert.Equal(t, "connection", results[0].Table)
	assert.NotEmpty(t, results[0].Errors)
}

func TestSyncAllChangelogBookkeeping(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	local, _ := provisionPair(t, pair)
	insertUser(t, local, 1, "tracked", time.Now())

	runEngine(t, pair)

	// Applied records must be flagged synced so the next cycle skips them.
	pending, err := PendingChanges(context.Background(), local, "users", "", "", 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncAllRetryExhaustionYieldsOneErrorPerRecord(t *testing.T) {
	pair := testPair(t, DirectionLocalToCloud, ResolutionNewerWins)
	local, cloud := provisionPair(t, pair)
	insertUser(t, local, 1, "stuck", time.Now())
	require.NoError(t, cloud.ExecRaw(context.Background(), "DROP TABLE users"))

	results := runEngine(t, pair)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	errCount := 0
	for _, e := range results[0].Errors {
		if strings.Contains(e, "INSERT users#") {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount, "exhausted retries surface exactly once per record")

	// The failed record stays unsynced and is offered again next cycle.
	pending, err := PendingChanges(context.Background(), local, "users", "", "", 100)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestValidateReportsMissingTable(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	local := newEndpoint(t, pair.Local)
	cloud := newEndpoint(t, pair.Cloud)
	createUsersTable(t, local)
	// users missing on cloud
	_ = cloud

	eng, err := NewEngine(pair, fastOptions())
	require.NoError(t, err)
	defer eng.Close()

	errs := eng.Validate(context.Background())
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "missing") {
			found = true
		}
	}
	assert.True(t, found, "expected a missing-table finding, got %v", errs)
}

func TestValidateReportsMissingPrimaryKey(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	pair.Tables[0].Table = "keyless"
	local := newEndpoint(t, pair.Local)
	cloud := newEndpoint(t, pair.Cloud)
	ctx := context.Background()
	require.NoError(t, local.ExecRaw(ctx, "CREATE TABLE keyless (v TEXT)"))
	require.NoError(t, cloud.ExecRaw(ctx, "CREATE TABLE keyless (v TEXT)"))

	eng, err := NewEngine(pair, fastOptions())
	require.NoError(t, err)
	defer eng.Close()

	errs := eng.Validate(ctx)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "no primary key")
}

func TestSetupInfrastructure(t *testing.T) {
	pair := testPair(t, DirectionBidirectional, ResolutionNewerWins)
	local := newEndpoint(t, pair.Local)
	cloud := newEndpoint(t, pair.Cloud)
	createUsersTable(t, local)
	createUsersTable(t, cloud)

	eng, err := NewEngine(pair, fastOptions())
	require.NoError(t, err)
	defer eng.Close()

	errs := eng.SetupInfrastructure(context.Background())
	assert.Empty(t, errs)

	// Capture is live on both sides afterwards.
	insertUser(t, local, 1, "captured", time.Now())
	pending, err := PendingChanges(context.Background(), local, "users", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
