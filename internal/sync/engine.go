package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/db"
)

// Engine orchestrates one pair: infrastructure setup, per-table change
// replay, reconciliation, and bookkeeping. Not safe for concurrent use; the
// worker serializes runs.
type Engine struct {
	pair  *Pair
	local *db.Endpoint
	cloud *db.Endpoint
	opts  Options
	log   *logrus.Entry
}

// NewEngine wires the pair's two endpoints. The endpoints stay unconnected
// until the first operation needs them.
func NewEngine(pair *Pair, opts Options) (*Engine, error) {
	local, err := db.NewEndpoint(pair.Local)
	if err != nil {
		return nil, fmt.Errorf("local endpoint of pair %s: %w", pair.Name, err)
	}
	cloud, err := db.NewEndpoint(pair.Cloud)
	if err != nil {
		return nil, fmt.Errorf("cloud endpoint of pair %s: %w", pair.Name, err)
	}
	return &Engine{
		pair:  pair,
		local: local,
		cloud: cloud,
		opts:  opts.withDefaults(),
		log:   logrus.WithField("pair", pair.Name),
	}, nil
}

// Pair returns the configuration the engine operates on.
func (e *Engine) Pair() *Pair { return e.pair }

// Local and Cloud expose the endpoints for tests and validation tooling.
func (e *Engine) Local() *db.Endpoint { return e.local }
func (e *Engine) Cloud() *db.Endpoint { return e.cloud }

// Close disconnects both endpoints.
func (e *Engine) Close() {
	if err := e.local.Close(); err != nil {
		e.log.WithError(err).Warn("Closing local endpoint failed")
	}
	if err := e.cloud.Close(); err != nil {
		e.log.WithError(err).Warn("Closing cloud endpoint failed")
	}
}

// SetupInfrastructure creates changelog tables and capture triggers for every
// sync-enabled table on both endpoints. A failing table is reported and the
// siblings continue.
func (e *Engine) SetupInfrastructure(ctx context.Context) []error {
	var errs []error
	if err := e.connectBoth(ctx); err != nil {
		return []error{err}
	}
	for _, policy := range e.pair.SyncEnabledTables() {
		for _, ep := range []*db.Endpoint{e.local, e.cloud} {
			if err := EnsureChangelogTable(ctx, ep, policy.Table); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := InstallCapture(ctx, ep, policy.Table, ep.ID()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	e.log.WithField("errors", len(errs)).Info("Sync infrastructure setup finished")
	return errs
}

// TeardownInfrastructure drops the capture triggers on both endpoints.
// Changelog tables stay so unsynced history survives a later re-setup.
func (e *Engine) TeardownInfrastructure(ctx context.Context) []error {
	var errs []error
	if err := e.connectBoth(ctx); err != nil {
		return []error{err}
	}
	for _, policy := range e.pair.SyncEnabledTables() {
		for _, ep := range []*db.Endpoint{e.local, e.cloud} {
			if err := RemoveCapture(ctx, ep, policy.Table); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// Validate checks both endpoints are reachable and that every sync-enabled
// table exists with a primary key on both sides. All findings are collected,
// none aborts the check early.
func (e *Engine) Validate(ctx context.Context) []error {
	var errs []error
	for _, ep := range []*db.Endpoint{e.local, e.cloud} {
		if err := ep.TestConnection(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	for _, ep := range []*db.Endpoint{e.local, e.cloud} {
		tables, err := ep.ListTables(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		known := make(map[string]bool, len(tables))
		for _, t := range tables {
			known[t] = true
		}
		for _, policy := range e.pair.SyncEnabledTables() {
			if !known[policy.Table] {
				errs = append(errs, fmt.Errorf("table %s missing on %s", policy.Table, ep.Name()))
				continue
			}
			pk, err := ep.PrimaryKeyColumns(ctx, policy.Table)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if len(pk) == 0 {
				errs = append(errs, fmt.Errorf("table %s on %s has no primary key", policy.Table, ep.Name()))
			}
		}
	}
	return errs
}

// SyncAll runs one full cycle over the pair's sync-enabled tables,
// sequentially, and returns one result per table. A connection failure
// produces a single failed result; a failing table never stops its siblings.
func (e *Engine) SyncAll(ctx context.Context) []SyncResult {
	start := time.Now()
	if err := e.connectBoth(ctx); err != nil {
		res := SyncResult{Table: "connection", Fatal: true, StartTime: start, EndTime: time.Now()}
		res.addError("%v", err)
		return []SyncResult{res}
	}
	defer e.Close()

	policies := e.pair.SyncEnabledTables()
	results := make([]SyncResult, 0, len(policies))
	synced, records := 0, 0
	for _, policy := range policies {
		if ctx.Err() != nil {
			res := SyncResult{Table: policy.Table, StartTime: time.Now(), EndTime: time.Now()}
			res.addError("sync cancelled: %v", ctx.Err())
			results = append(results, res)
			continue
		}
		res := e.SyncTable(ctx, policy)
		if res.Success {
			synced++
			now := time.Now().Format(TimeLayout)
			policy.LastSync = now
			e.pair.LastSync = now
		}
		records += res.RecordsSynced
		results = append(results, res)
	}

	e.log.WithFields(logrus.Fields{
		"tables":   fmt.Sprintf("%d/%d", synced, len(policies)),
		"records":  records,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Sync cycle finished")
	return results
}

// SyncTable synchronizes a single table according to its policy. For
// bidirectional tables both legs run sequentially and a failing leg does not
// stop the other one.
func (e *Engine) SyncTable(ctx context.Context, policy *TablePolicy) SyncResult {
	res := SyncResult{Table: policy.Table, Success: true, StartTime: time.Now()}
	defer func() { res.EndTime = time.Now() }()

	switch policy.Direction {
	case DirectionNoSync:
		return res
	case DirectionLocalToCloud:
		e.syncOneWay(ctx, e.local, e.cloud, policy, &res)
	case DirectionCloudToLocal:
		e.syncOneWay(ctx, e.cloud, e.local, policy, &res)
	case DirectionBidirectional:
		e.syncOneWay(ctx, e.local, e.cloud, policy, &res)
		e.syncOneWay(ctx, e.cloud, e.local, policy, &res)
	default:
		res.addError("unknown sync direction %q for table %s", policy.Direction, policy.Table)
	}
	return res
}

// syncOneWay replays the source's pending changelog onto the target, then
// runs the reconciliation safety net for the same leg. Records that came from
// the target are excluded so a bidirectional pair never echoes changes back.
func (e *Engine) syncOneWay(ctx context.Context, source, target *db.Endpoint, policy *TablePolicy, res *SyncResult) {
	// The synced flag alone selects the work set: records that overflowed
	// the batch or failed to apply stay unsynced and are retried next cycle.
	changes, err := PendingChanges(ctx, source, policy.Table, "", target.ID(), e.opts.BatchSize)
	if err != nil {
		res.addError("%s -> %s: %v", source.Name(), target.Name(), err)
		return
	}

	applier := NewApplier(source, target, e.opts)
	var applied []int64
	for _, rec := range changes {
		if ctx.Err() != nil {
			res.addError("sync cancelled: %v", ctx.Err())
			break
		}
		if err := applier.Apply(ctx, rec); err != nil {
			res.addError("%s %s#%d: %v", rec.Operation, rec.Table, rec.ID, err)
			continue
		}
		applied = append(applied, rec.ID)
	}
	if err := MarkSynced(ctx, source, policy.Table, applied); err != nil {
		res.addError("%v", err)
	}
	res.RecordsSynced += len(applied)

	n, recErrs := Reconcile(ctx, source, target, policy.Table, policy.Resolution)
	res.RecordsSynced += n
	for _, msg := range recErrs {
		res.addError("%s", msg)
	}
}

func (e *Engine) connectBoth(ctx context.Context) error {
	for _, ep := range []*db.Endpoint{e.local, e.cloud} {
		if err := ep.ConnectWithRetry(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}
