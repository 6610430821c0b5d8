// Package sync implements the synchronization core: changelog-based change
// capture, idempotent change application, full-table reconciliation, and the
// per-pair orchestration engine.
package sync

import (
	"fmt"
	"time"

	"github.com/pairsync/pairsync/internal/db"
)

// TimeLayout is the canonical timestamp format used for last-sync values and
// changelog timestamp comparisons. It matches the text form CURRENT_TIMESTAMP
// produces on every supported dialect.
const TimeLayout = "2006-01-02 15:04:05"

// Direction controls which way a table's changes flow.
type Direction string

const (
	DirectionNoSync        Direction = "no_sync"
	DirectionLocalToCloud  Direction = "local_to_cloud"
	DirectionCloudToLocal  Direction = "cloud_to_local"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a configured direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionNoSync, DirectionLocalToCloud, DirectionCloudToLocal, DirectionBidirectional:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown sync direction: %q", s)
}

// Resolution selects the winner when both sides hold a row with the same
// primary key during reconciliation.
type Resolution string

const (
	ResolutionNewerWins Resolution = "newer_wins"
	ResolutionLocalWins Resolution = "local_wins"
	ResolutionCloudWins Resolution = "cloud_wins"
)

// ParseResolution validates a configured conflict resolution string.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionNewerWins, ResolutionLocalWins, ResolutionCloudWins:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown conflict resolution: %q", s)
}

// TablePolicy configures synchronization for one table of a pair.
type TablePolicy struct {
	Table      string
	Direction  Direction
	Resolution Resolution
	LastSync   string // TimeLayout, empty when the table has never synced
	Enabled    bool
}

// Pair binds a local and a cloud endpoint with the tables to keep in sync.
type Pair struct {
	ID       string
	Name     string
	Local    db.Config
	Cloud    db.Config
	Tables   []TablePolicy
	Interval time.Duration
	Enabled  bool
	LastSync string
}

// SyncEnabledTables returns pointers to the policies that take part in a
// run: enabled and not NoSync. Pointers so the engine can write back
// last-sync values.
func (p *Pair) SyncEnabledTables() []*TablePolicy {
	var out []*TablePolicy
	for i := range p.Tables {
		t := &p.Tables[i]
		if t.Enabled && t.Direction != DirectionNoSync {
			out = append(out, t)
		}
	}
	return out
}

// Operation is a captured DML event type.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeRecord is one row of a table's changelog. IDs are scoped to their
// changelog table, so bookkeeping always pairs Table with ID.
type ChangeRecord struct {
	ID         int64
	Operation  Operation
	Table      string
	PrimaryKey map[string]any
	ChangeData map[string]any
	Timestamp  string
	OriginID   string
	Synced     bool
}

// SyncResult reports the outcome of syncing one table in one run. Immutable
// once the engine returns it. Fatal marks a connectivity or validation
// failure that precluded the run, as opposed to per-record apply errors
// recorded while the run went on.
type SyncResult struct {
	Table         string
	Success       bool
	Fatal         bool
	RecordsSynced int
	Errors        []string
	StartTime     time.Time
	EndTime       time.Time
}

func (r *SyncResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Success = false
}

// Options carries the tunables of a sync run.
type Options struct {
	BatchSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultOptions mirrors the application defaults: batches of 1000 records,
// three apply attempts five seconds apart.
func DefaultOptions() Options {
	return Options{
		BatchSize:     1000,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = d.RetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	return o
}
