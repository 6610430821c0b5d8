// Package dialect abstracts the SQL differences between the supported
// database families (MySQL, PostgreSQL, SQLite): connection strings,
// placeholder styles, boolean literals, schema introspection, and the
// changelog/trigger DDL used for change capture.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ChangelogSuffix is appended to a table name to form its changelog table.
const ChangelogSuffix = "_changelog"

// ChangelogTable returns the changelog table name for a source table.
func ChangelogTable(table string) string {
	return table + ChangelogSuffix
}

// Querier is the subset of database/sql needed by dialect introspection.
// Both *sql.DB and *sql.Tx satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ConnParams carries the connection parameters an endpoint was configured with.
type ConnParams struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Column describes one table column as reported by the database.
type Column struct {
	Name string
	Type string
}

// Dialect is the per-family strategy object. All SQL text generation routes
// through here so placeholder style, boolean literals, and trigger syntax
// never leak into the sync engine.
type Dialect interface {
	// Name is the configuration name of the dialect ("mysql", "postgres", "sqlite").
	Name() string
	// DriverName is the database/sql driver to open connections with.
	DriverName() string
	// DSN builds a driver connection string from endpoint parameters.
	DSN(p ConnParams) string
	// Rebind rewrites a query written with ? placeholders into the
	// dialect's native placeholder style.
	Rebind(query string) string
	// BoolLiteral renders a boolean for direct embedding in SQL text.
	BoolLiteral(v bool) string

	// ListTables returns all base table names in the connected database.
	ListTables(ctx context.Context, q Querier) ([]string, error)
	// TableColumns returns name and type for every column of a table.
	TableColumns(ctx context.Context, q Querier, table string) ([]Column, error)
	// PrimaryKeyColumns returns the primary key columns of a table in
	// declaration order. Empty result means the table has no primary key.
	PrimaryKeyColumns(ctx context.Context, q Querier, table string) ([]string, error)

	// ChangelogDDL returns idempotent statements creating the changelog
	// table and its indexes for the given source table.
	ChangelogDDL(table string) []string
	// CreateTriggerStatements returns the statements installing the
	// insert/update/delete capture triggers, with originID baked in.
	CreateTriggerStatements(table string, pkCols []string, originID string) []string
	// DropTriggerStatements returns the statements removing any capture
	// triggers previously installed for the table.
	DropTriggerStatements(table string) []string
}

// ForName returns the dialect registered under the given configuration name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "postgres", "postgresql":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", name)
	}
}

// Names lists the supported dialect configuration names.
func Names() []string {
	return []string{"mysql", "postgres", "sqlite"}
}

func scanSingleColumn(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
