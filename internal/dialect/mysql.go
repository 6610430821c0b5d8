package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQL implements Dialect for the MySQL family.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) DSN(p ConnParams) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&timeout=%s",
		p.Username, p.Password, p.Host, p.Port, p.Database, p.ConnectTimeout)
}

func (MySQL) Rebind(query string) string { return query }

func (MySQL) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (MySQL) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return scanSingleColumn(rows)
}

func (MySQL) TableColumns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, "DESCRIBE "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var field, typ string
		var null, key, extra sql.NullString
		var def sql.NullString
		if err := rows.Scan(&field, &typ, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan column description: %w", err)
		}
		cols = append(cols, Column{Name: field, Type: typ})
	}
	return cols, rows.Err()
}

func (MySQL) PrimaryKeyColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE()
		  AND table_name = ?
		  AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary key for %s: %w", table, err)
	}
	return scanSingleColumn(rows)
}

func (MySQL) ChangelogDDL(table string) []string {
	changelog := ChangelogTable(table)
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			operation VARCHAR(10) NOT NULL,
			table_name VARCHAR(100) NOT NULL,
			primary_key_values JSON NOT NULL,
			change_data JSON,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			origin_id VARCHAR(36) NOT NULL,
			synced BOOLEAN DEFAULT FALSE,
			INDEX idx_table_synced (table_name, synced),
			INDEX idx_timestamp (timestamp),
			INDEX idx_origin_id (origin_id)
		)`, changelog)}
}

func (MySQL) CreateTriggerStatements(table string, pkCols []string, originID string) []string {
	changelog := ChangelogTable(table)
	newPairs := jsonPairs(pkCols, "NEW")
	oldPairs := jsonPairs(pkCols, "OLD")

	build := func(event, op, pairs string) string {
		return fmt.Sprintf(`
			CREATE TRIGGER %s_%s_trigger
			AFTER %s ON %s
			FOR EACH ROW
			INSERT INTO %s (operation, table_name, primary_key_values, change_data, origin_id)
			VALUES ('%s', '%s', JSON_OBJECT(%s), JSON_OBJECT(), '%s')`,
			table, strings.ToLower(event), event, table, changelog, op, table, pairs, originID)
	}

	stmts := MySQL{}.DropTriggerStatements(table)
	stmts = append(stmts,
		build("INSERT", "INSERT", newPairs),
		build("UPDATE", "UPDATE", newPairs),
		build("DELETE", "DELETE", oldPairs),
	)
	return stmts
}

func (MySQL) DropTriggerStatements(table string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_insert_trigger", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_update_trigger", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_delete_trigger", table),
	}
}

// jsonPairs renders "'col', REF.col" pairs for JSON object construction in
// trigger bodies.
func jsonPairs(cols []string, ref string) string {
	pairs := make([]string, len(cols))
	for i, c := range cols {
		pairs[i] = fmt.Sprintf("'%s', %s.%s", c, ref, c)
	}
	return strings.Join(pairs, ", ")
}
