package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/db"
	"github.com/pairsync/pairsync/internal/dialect"
)

// freshnessLayouts are the timestamp renderings the comparator understands
// when a freshness column comes back as text.
var freshnessLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// freshnessColumn picks the column used to decide which side of a conflict
// is newer: first by name, then by a date/time type heuristic.
func freshnessColumn(cols []dialect.Column) (string, bool) {
	for _, c := range cols {
		name := strings.ToLower(c.Name)
		if strings.Contains(name, "updat") || strings.Contains(name, "modif") || strings.Contains(name, "timestamp") {
			return c.Name, true
		}
	}
	for _, c := range cols {
		typ := strings.ToLower(c.Type)
		if strings.Contains(typ, "timestamp") || strings.Contains(typ, "datetime") || strings.Contains(typ, "date") {
			return c.Name, true
		}
	}
	return "", false
}

// Reconcile runs the full-table safety-net pass for one direction leg:
// every source row missing from the target is inserted, and rows present on
// both sides are overwritten according to the conflict resolution policy.
// Rows absent from the source are left alone; deletions propagate only
// through the changelog path.
func Reconcile(ctx context.Context, source, target *db.Endpoint, table string, res Resolution) (int, []string) {
	var errs []string

	pkCols, err := source.PrimaryKeyColumns(ctx, table)
	if err != nil {
		return 0, []string{fmt.Sprintf("reconcile %s: %v", table, err)}
	}
	if len(pkCols) == 0 {
		return 0, []string{fmt.Sprintf("reconcile %s: no primary key declared", table)}
	}

	cols, err := source.TableColumns(ctx, table)
	if err != nil {
		return 0, []string{fmt.Sprintf("reconcile %s: %v", table, err)}
	}
	fresh, hasFresh := freshnessColumn(cols)

	query := "SELECT * FROM " + table
	if hasFresh {
		query += " ORDER BY " + fresh
	}
	srcRows, err := source.QueryRows(ctx, query)
	if err != nil {
		return 0, []string{fmt.Sprintf("reconcile %s: source scan: %v", table, err)}
	}
	tgtRows, err := target.QueryRows(ctx, "SELECT * FROM "+table)
	if err != nil {
		return 0, []string{fmt.Sprintf("reconcile %s: target scan: %v", table, err)}
	}

	targetByKey := make(map[string]map[string]any, len(tgtRows))
	for _, row := range tgtRows {
		targetByKey[pkKey(row, pkCols)] = row
	}

	applied := 0
	for _, srcRow := range srcRows {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Sprintf("reconcile %s: %v", table, ctx.Err()))
			break
		}

		tgtRow, present := targetByKey[pkKey(srcRow, pkCols)]
		if !present {
			if err := insertRow(ctx, target, table, srcRow); err != nil {
				errs = append(errs, fmt.Sprintf("reconcile %s: %v", table, err))
				continue
			}
			applied++
			continue
		}

		if !sourceWins(res, target.IsLocal(), hasFresh, srcRow[fresh], tgtRow[fresh]) {
			continue
		}
		if rowsEqual(srcRow, tgtRow) {
			continue
		}
		pk := make(map[string]any, len(pkCols))
		for _, c := range pkCols {
			pk[c] = srcRow[c]
		}
		if err := updateRow(ctx, target, table, srcRow, pk); err != nil {
			errs = append(errs, fmt.Sprintf("reconcile %s: %v", table, err))
			continue
		}
		applied++
	}

	logrus.WithFields(logrus.Fields{
		"table":   table,
		"source":  source.Name(),
		"target":  target.Name(),
		"applied": applied,
		"errors":  len(errs),
	}).Debug("Reconciliation pass finished")
	return applied, errs
}

// sourceWins decides whether the source row overwrites an existing target
// row. NewerWins requires the source to be strictly newer on the freshness
// column; with no freshness signal the source overwrites (last writer wins,
// there is nothing else to go on). LocalWins and CloudWins gate the
// overwrite on which side of the pair the leg is flowing from.
func sourceWins(res Resolution, targetIsLocal, hasFresh bool, srcVal, tgtVal any) bool {
	switch res {
	case ResolutionLocalWins:
		return !targetIsLocal // source of this leg is the local side
	case ResolutionCloudWins:
		return targetIsLocal
	default:
		if !hasFresh {
			return true
		}
		return compareFreshness(srcVal, tgtVal) > 0
	}
}

// compareFreshness orders two freshness values; >0 means a is newer.
func compareFreshness(a, b any) int {
	ta, aok := toTime(a)
	tb, bok := toTime(b)
	if aok && bok {
		switch {
		case ta.After(tb):
			return 1
		case ta.Before(tb):
			return -1
		default:
			return 0
		}
	}
	// Fall back to lexical order, which is correct for ISO-style text.
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range freshnessLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func pkKey(row map[string]any, pkCols []string) string {
	parts := make([]string, len(pkCols))
	for i, c := range pkCols {
		parts[i] = canonValue(row[c])
	}
	return strings.Join(parts, "\x1f")
}
