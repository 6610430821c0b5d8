package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLite implements Dialect for the embedded single-file engine. The
// Database field of ConnParams is the file path (or ":memory:").
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) DSN(p ConnParams) string {
	// _busy_timeout keeps concurrent local writers from failing fast on locks.
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d",
		p.Database, p.ConnectTimeout.Milliseconds())
}

func (SQLite) Rebind(query string) string { return query }

func (SQLite) BoolLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (SQLite) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return scanSingleColumn(rows)
}

func (SQLite) TableColumns(ctx context.Context, q Querier, table string) ([]Column, error) {
	cols, _, err := sqliteTableInfo(ctx, q, table)
	return cols, err
}

func (SQLite) PrimaryKeyColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	_, pk, err := sqliteTableInfo(ctx, q, table)
	return pk, err
}

func sqliteTableInfo(ctx context.Context, q Querier, table string) ([]Column, []string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	var pk []string
	for rows.Next() {
		var cid, notnull, pkPos int
		var name, typ string
		var def sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &def, &pkPos); err != nil {
			return nil, nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols = append(cols, Column{Name: name, Type: typ})
		if pkPos > 0 {
			pk = append(pk, name)
		}
	}
	return cols, pk, rows.Err()
}

func (SQLite) ChangelogDDL(table string) []string {
	changelog := ChangelogTable(table)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				operation TEXT NOT NULL,
				table_name TEXT NOT NULL,
				primary_key_values TEXT NOT NULL,
				change_data TEXT,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				origin_id TEXT NOT NULL,
				synced BOOLEAN DEFAULT 0
			)`, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_table_synced ON %s (table_name, synced)", changelog, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s (timestamp)", changelog, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_origin_id ON %s (origin_id)", changelog, changelog),
	}
}

func (SQLite) CreateTriggerStatements(table string, pkCols []string, originID string) []string {
	changelog := ChangelogTable(table)
	newPairs := jsonPairs(pkCols, "NEW")
	oldPairs := jsonPairs(pkCols, "OLD")

	build := func(event, op, pairs string) string {
		return fmt.Sprintf(`
			CREATE TRIGGER %s_%s_trigger
			AFTER %s ON %s
			BEGIN
				INSERT INTO %s (operation, table_name, primary_key_values, change_data, origin_id)
				VALUES ('%s', '%s', json_object(%s), '{}', '%s');
			END`,
			table, strings.ToLower(event), event, table, changelog, op, table, pairs, originID)
	}

	stmts := SQLite{}.DropTriggerStatements(table)
	stmts = append(stmts,
		build("INSERT", "INSERT", newPairs),
		build("UPDATE", "UPDATE", newPairs),
		build("DELETE", "DELETE", oldPairs),
	)
	return stmts
}

func (SQLite) DropTriggerStatements(table string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_insert_trigger", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_update_trigger", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_delete_trigger", table),
	}
}
