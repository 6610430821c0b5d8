package dialect

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (pgx database/sql shim)
)

// Postgres implements Dialect for the PostgreSQL family.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) DSN(p ConnParams) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	if p.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Rebind rewrites ? placeholders into $1..$n positional placeholders.
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (Postgres) BoolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (Postgres) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return scanSingleColumn(rows)
}

func (Postgres) TableColumns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (Postgres) PrimaryKeyColumns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = $1
		ORDER BY kcu.ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary key for %s: %w", table, err)
	}
	return scanSingleColumn(rows)
}

func (Postgres) ChangelogDDL(table string) []string {
	changelog := ChangelogTable(table)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				operation VARCHAR(10) NOT NULL,
				table_name VARCHAR(100) NOT NULL,
				primary_key_values JSONB NOT NULL,
				change_data JSONB,
				timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				origin_id VARCHAR(36) NOT NULL,
				synced BOOLEAN DEFAULT FALSE
			)`, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_table_synced ON %s (table_name, synced)", changelog, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s (timestamp)", changelog, changelog),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_origin_id ON %s (origin_id)", changelog, changelog),
	}
}

func (Postgres) CreateTriggerStatements(table string, pkCols []string, originID string) []string {
	changelog := ChangelogTable(table)
	fn := table + "_changelog_fn"
	newPairs := jsonPairs(pkCols, "NEW")
	oldPairs := jsonPairs(pkCols, "OLD")

	function := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'DELETE' THEN
				INSERT INTO %s (operation, table_name, primary_key_values, change_data, origin_id)
				VALUES ('DELETE', '%s', jsonb_build_object(%s), '{}'::jsonb, '%s');
				RETURN OLD;
			ELSIF TG_OP = 'UPDATE' THEN
				INSERT INTO %s (operation, table_name, primary_key_values, change_data, origin_id)
				VALUES ('UPDATE', '%s', jsonb_build_object(%s), '{}'::jsonb, '%s');
				RETURN NEW;
			ELSE
				INSERT INTO %s (operation, table_name, primary_key_values, change_data, origin_id)
				VALUES ('INSERT', '%s', jsonb_build_object(%s), '{}'::jsonb, '%s');
				RETURN NEW;
			END IF;
		END;
		$$ LANGUAGE plpgsql`,
		fn,
		changelog, table, oldPairs, originID,
		changelog, table, newPairs, originID,
		changelog, table, newPairs, originID)

	trigger := fmt.Sprintf(`
		CREATE TRIGGER %s_changelog_trigger
		AFTER INSERT OR UPDATE OR DELETE ON %s
		FOR EACH ROW EXECUTE FUNCTION %s()`, table, table, fn)

	stmts := Postgres{}.DropTriggerStatements(table)
	return append(stmts, function, trigger)
}

func (Postgres) DropTriggerStatements(table string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_changelog_trigger ON %s", table, table),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s_changelog_fn()", table),
	}
}
