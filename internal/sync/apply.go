package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/db"
	"github.com/pairsync/pairsync/internal/retry"
)

// Applier replays change records from a source endpoint onto a target.
// Every operation is idempotent, so a record can be re-applied after a
// partial failure without corrupting the target.
type Applier struct {
	source   *db.Endpoint
	target   *db.Endpoint
	retryCfg *retry.Config
	log      *logrus.Entry
}

// NewApplier builds an applier for one direction leg.
func NewApplier(source, target *db.Endpoint, opts Options) *Applier {
	opts = opts.withDefaults()
	return &Applier{
		source:   source,
		target:   target,
		retryCfg: retry.ApplyConfig(opts.RetryAttempts, opts.RetryDelay),
		log: logrus.WithFields(logrus.Fields{
			"source": source.Name(),
			"target": target.Name(),
		}),
	}
}

// Apply replays one change record with bounded constant-delay retry.
// Exhausting the retries fails only this record; the caller continues with
// the rest of the batch.
func (a *Applier) Apply(ctx context.Context, rec ChangeRecord) error {
	name := fmt.Sprintf("apply %s %s#%d", rec.Operation, rec.Table, rec.ID)
	return retry.WithOperation(ctx, a.retryCfg, func() error {
		return a.applyOnce(ctx, rec)
	}, name)
}

func (a *Applier) applyOnce(ctx context.Context, rec ChangeRecord) error {
	switch rec.Operation {
	case OpInsert:
		return a.applyInsert(ctx, rec)
	case OpUpdate:
		return a.applyUpdate(ctx, rec)
	case OpDelete:
		return a.applyDelete(ctx, rec)
	default:
		return fmt.Errorf("unknown operation %q in changelog of %s", rec.Operation, rec.Table)
	}
}

// applyInsert fetches the full row from the source and inserts it into the
// target unless a row with the same primary key already exists.
func (a *Applier) applyInsert(ctx context.Context, rec ChangeRecord) error {
	where, args := pkClause(rec.PrimaryKey)

	row, found, err := fetchRow(ctx, a.source, rec.Table, where, args)
	if err != nil {
		return err
	}
	if !found {
		// The row was deleted after this record was logged; the matching
		// delete record makes the target convergent.
		a.log.WithField("table", rec.Table).Debug("Source row gone, insert skipped")
		return nil
	}

	exists, err := rowExists(ctx, a.target, rec.Table, where, args)
	if err != nil {
		return err
	}
	if exists {
		a.log.WithField("table", rec.Table).Debug("Row already present, insert skipped")
		return nil
	}
	return insertRow(ctx, a.target, rec.Table, row)
}

// applyUpdate fetches the current source row and overwrites the non-key
// columns in the target. A missing target row falls back to insert
// semantics; an already identical row is a no-op success.
func (a *Applier) applyUpdate(ctx context.Context, rec ChangeRecord) error {
	where, args := pkClause(rec.PrimaryKey)

	row, found, err := fetchRow(ctx, a.source, rec.Table, where, args)
	if err != nil {
		return err
	}
	if !found {
		a.log.WithField("table", rec.Table).Debug("Source row gone, update skipped")
		return nil
	}

	current, exists, err := fetchRow(ctx, a.target, rec.Table, where, args)
	if err != nil {
		return err
	}
	if !exists {
		a.log.WithField("table", rec.Table).Debug("Target row missing, updating via insert")
		return insertRow(ctx, a.target, rec.Table, row)
	}
	if rowsEqual(row, current) {
		// Already convergent. Skipping the statement also keeps the
		// target's own capture triggers from logging a no-op echo.
		return nil
	}
	return updateRow(ctx, a.target, rec.Table, row, rec.PrimaryKey)
}

// applyDelete removes the row by primary key; zero affected rows means the
// target is already convergent.
func (a *Applier) applyDelete(ctx context.Context, rec ChangeRecord) error {
	where, args := pkClause(rec.PrimaryKey)
	n, err := a.target.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", rec.Table, where), args...)
	if err != nil {
		return err
	}
	if n == 0 {
		a.log.WithField("table", rec.Table).Debug("Row already absent, delete skipped")
	}
	return nil
}

// pkClause renders a WHERE clause over the primary key values in
// deterministic column order.
func pkClause(pk map[string]any) (string, []any) {
	cols := sortedKeys(pk)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = c + " = ?"
		args[i] = pk[c]
	}
	return strings.Join(conds, " AND "), args
}

func fetchRow(ctx context.Context, ep *db.Endpoint, table, where string, args []any) (map[string]any, bool, error) {
	rows, err := ep.QueryRows(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func rowExists(ctx context.Context, ep *db.Endpoint, table, where string, args []any) (bool, error) {
	rows, err := ep.QueryRows(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && toInt64(rows[0]["n"]) > 0, nil
}

func insertRow(ctx context.Context, ep *db.Endpoint, table string, row map[string]any) error {
	cols := sortedKeys(row)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := ep.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s failed: %w", table, err)
	}
	return nil
}

func updateRow(ctx context.Context, ep *db.Endpoint, table string, row, pk map[string]any) error {
	var sets []string
	var args []any
	for _, c := range sortedKeys(row) {
		if _, isKey := pk[c]; isKey {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, row[c])
	}
	if len(sets) == 0 {
		return nil // key-only table, nothing to update
	}
	where, whereArgs := pkClause(pk)
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	// Zero affected rows is success: the target was already convergent.
	if _, err := ep.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update of %s failed: %w", table, err)
	}
	return nil
}

// rowsEqual compares two generic rows after normalizing driver-specific
// value representations.
func rowsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || canonValue(av) != canonValue(bv) {
			return false
		}
	}
	return true
}

func canonValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00nil"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
