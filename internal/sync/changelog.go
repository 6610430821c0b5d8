package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/db"
	"github.com/pairsync/pairsync/internal/dialect"
)

// SetupError marks a per-table setup failure (missing primary key, DDL
// failure). Setup errors are reported, not fatal: sibling tables continue.
type SetupError struct {
	Table string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed for table %s: %v", e.Table, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// EnsureChangelogTable creates the changelog table and its indexes for the
// given source table. Idempotent.
func EnsureChangelogTable(ctx context.Context, ep *db.Endpoint, table string) error {
	for _, stmt := range ep.Dialect().ChangelogDDL(table) {
		if err := ep.ExecRaw(ctx, stmt); err != nil {
			return &SetupError{Table: table, Err: fmt.Errorf("changelog DDL: %w", err)}
		}
	}
	logrus.WithFields(logrus.Fields{
		"endpoint": ep.Name(),
		"table":    dialect.ChangelogTable(table),
	}).Debug("Changelog table ensured")
	return nil
}

// InstallCapture drops any pre-existing capture triggers on the table and
// creates fresh insert/update/delete triggers that log the affected row's
// primary key values together with originID. The table must have a primary
// key; its absence is a reported setup error.
func InstallCapture(ctx context.Context, ep *db.Endpoint, table, originID string) error {
	pkCols, err := ep.PrimaryKeyColumns(ctx, table)
	if err != nil {
		return &SetupError{Table: table, Err: err}
	}
	if len(pkCols) == 0 {
		return &SetupError{Table: table, Err: fmt.Errorf("no primary key declared")}
	}
	for _, stmt := range ep.Dialect().CreateTriggerStatements(table, pkCols, originID) {
		if err := ep.ExecRaw(ctx, stmt); err != nil {
			return &SetupError{Table: table, Err: fmt.Errorf("trigger DDL: %w", err)}
		}
	}
	logrus.WithFields(logrus.Fields{
		"endpoint": ep.Name(),
		"table":    table,
		"origin":   originID,
	}).Info("Change capture triggers installed")
	return nil
}

// RemoveCapture drops the capture triggers for a table. The changelog table
// itself is left in place so unsynced history survives a reinstall.
func RemoveCapture(ctx context.Context, ep *db.Endpoint, table string) error {
	for _, stmt := range ep.Dialect().DropTriggerStatements(table) {
		if err := ep.ExecRaw(ctx, stmt); err != nil {
			return &SetupError{Table: table, Err: fmt.Errorf("trigger drop: %w", err)}
		}
	}
	return nil
}

// PendingChanges reads unsynced changelog rows for a table, oldest first,
// capped at limit. since (TimeLayout, optional) restricts to strictly newer
// rows; excludeOrigin (optional) is the loop-prevention guard dropping rows
// the target itself originated.
func PendingChanges(ctx context.Context, ep *db.Endpoint, table, since, excludeOrigin string, limit int) ([]ChangeRecord, error) {
	changelog := dialect.ChangelogTable(table)
	d := ep.Dialect()

	query := fmt.Sprintf(`SELECT id, operation, table_name, primary_key_values, change_data, timestamp, origin_id, synced
		FROM %s WHERE synced = %s`, changelog, d.BoolLiteral(false))
	var args []any
	if since != "" {
		query += " AND timestamp > ?"
		args = append(args, since)
	}
	if excludeOrigin != "" {
		query += " AND origin_id != ?"
		args = append(args, excludeOrigin)
	}
	query += fmt.Sprintf(" ORDER BY timestamp ASC, id ASC LIMIT %d", limit)

	rows, err := ep.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending changes for %s: %w", table, err)
	}

	records := make([]ChangeRecord, 0, len(rows))
	for _, row := range rows {
		rec := ChangeRecord{
			ID:        toInt64(row["id"]),
			Operation: Operation(fmt.Sprint(row["operation"])),
			Table:     fmt.Sprint(row["table_name"]),
			Timestamp: timestampString(row["timestamp"]),
			OriginID:  fmt.Sprint(row["origin_id"]),
			Synced:    toBool(row["synced"]),
		}
		rec.PrimaryKey, err = parseJSONMap(row["primary_key_values"])
		if err != nil {
			return nil, fmt.Errorf("malformed primary_key_values in %s id %d: %w", changelog, rec.ID, err)
		}
		if rec.ChangeData, err = parseJSONMap(row["change_data"]); err != nil {
			return nil, fmt.Errorf("malformed change_data in %s id %d: %w", changelog, rec.ID, err)
		}
		records = append(records, rec)
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": ep.Name(),
		"table":    table,
		"count":    len(records),
	}).Debug("Pending changes read")
	return records, nil
}

// MarkSynced flips the synced flag for the given changelog rows in one batch
// update. ids are scoped to the table's changelog, never global.
func MarkSynced(ctx context.Context, ep *db.Endpoint, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	changelog := dialect.ChangelogTable(table)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE %s SET synced = %s WHERE id IN (%s)",
		changelog, ep.Dialect().BoolLiteral(true), placeholders)
	if _, err := ep.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark changes synced in %s: %w", changelog, err)
	}
	return nil
}

func parseJSONMap(v any) (map[string]any, error) {
	var text string
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return nil, fmt.Errorf("unexpected JSON column type %T", v)
	}
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func timestampString(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(TimeLayout)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	}
	return false
}
