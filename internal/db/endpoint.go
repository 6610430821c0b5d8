// Package db manages connections to the configured sync endpoints and
// exposes dialect-agnostic query helpers on top of database/sql.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/dialect"
	"github.com/pairsync/pairsync/internal/retry"
)

// DefaultConnectTimeout applies when an endpoint has no timeout configured.
const DefaultConnectTimeout = 30 * time.Second

// Config describes one synchronizable database endpoint. The ID doubles as
// the origin tag written into every changelog row this endpoint produces.
type Config struct {
	ID             string
	Name           string
	Dialect        string
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	IsLocal        bool
	ConnectTimeout time.Duration
}

// Endpoint wraps a single database connection for the duration of a sync
// run. It is not safe for concurrent use; pairs run sequentially.
type Endpoint struct {
	cfg Config
	dlt dialect.Dialect
	db  *sql.DB
	log *logrus.Entry
}

// NewEndpoint resolves the configured dialect and returns an unconnected
// endpoint.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	dlt, err := dialect.ForName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Endpoint{
		cfg: cfg,
		dlt: dlt,
		log: logrus.WithFields(logrus.Fields{"endpoint": cfg.Name, "dialect": dlt.Name()}),
	}, nil
}

func (e *Endpoint) ID() string               { return e.cfg.ID }
func (e *Endpoint) Name() string             { return e.cfg.Name }
func (e *Endpoint) IsLocal() bool            { return e.cfg.IsLocal }
func (e *Endpoint) Dialect() dialect.Dialect { return e.dlt }

// ConnectionError marks a failure to reach or query an endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (c *ConnectionError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", c.Endpoint, c.Err)
}

func (c *ConnectionError) Unwrap() error { return c.Err }

// Connect opens the connection and verifies it with a ping. Calling Connect
// on an already connected endpoint is a no-op.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	dsn := e.dlt.DSN(dialect.ConnParams{
		Host:           e.cfg.Host,
		Port:           e.cfg.Port,
		Database:       e.cfg.Database,
		Username:       e.cfg.Username,
		Password:       e.cfg.Password,
		ConnectTimeout: e.cfg.ConnectTimeout,
	})
	db, err := sql.Open(e.dlt.DriverName(), dsn)
	if err != nil {
		return &ConnectionError{Endpoint: e.cfg.Name, Err: err}
	}
	if e.dlt.Name() == "sqlite" {
		// A single connection keeps in-memory databases coherent and
		// serializes writers against the file lock.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxIdleTime(15 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return &ConnectionError{Endpoint: e.cfg.Name, Err: err}
	}
	e.db = db
	e.log.Info("Connected to database")
	return nil
}

// ConnectWithRetry establishes the connection with exponential backoff.
func (e *Endpoint) ConnectWithRetry(ctx context.Context, cfg *retry.Config) error {
	if cfg == nil {
		cfg = retry.ConnectDefaults()
	}
	err := retry.WithOperation(ctx, cfg, func() error {
		if err := e.Connect(ctx); err != nil {
			e.Close()
			return err
		}
		return nil
	}, "connect "+e.cfg.Name)
	if err != nil {
		e.log.WithError(err).Error("Failed to establish database connection after all retries")
	}
	return err
}

// Close releases the underlying connection. Safe to call when not connected.
func (e *Endpoint) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	if err != nil {
		return fmt.Errorf("failed to close connection to %s: %w", e.cfg.Name, err)
	}
	e.log.Debug("Disconnected from database")
	return nil
}

// ensure performs the single implicit (re)connect every public entry point
// is allowed before failing.
func (e *Endpoint) ensure(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	return e.Connect(ctx)
}

// TestConnection verifies the endpoint is reachable with a trivial query.
func (e *Endpoint) TestConnection(ctx context.Context) error {
	if err := e.ensure(ctx); err != nil {
		return err
	}
	var one int
	if err := e.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &ConnectionError{Endpoint: e.cfg.Name, Err: err}
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on any error.
func (e *Endpoint) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := e.ensure(ctx); err != nil {
		return err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction on %s: %w", e.cfg.Name, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.log.WithError(rbErr).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction on %s: %w", e.cfg.Name, err)
	}
	return nil
}

// ListTables returns the endpoint's base tables with changelog tables
// filtered out.
func (e *Endpoint) ListTables(ctx context.Context) ([]string, error) {
	if err := e.ensure(ctx); err != nil {
		return nil, err
	}
	tables, err := e.dlt.ListTables(ctx, e.db)
	if err != nil {
		return nil, err
	}
	out := tables[:0]
	for _, t := range tables {
		if !strings.HasSuffix(t, dialect.ChangelogSuffix) {
			out = append(out, t)
		}
	}
	return out, nil
}

// PrimaryKeyColumns returns the table's primary key columns in order.
func (e *Endpoint) PrimaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	if err := e.ensure(ctx); err != nil {
		return nil, err
	}
	return e.dlt.PrimaryKeyColumns(ctx, e.db, table)
}

// TableColumns returns name and type for every column of the table.
func (e *Endpoint) TableColumns(ctx context.Context, table string) ([]dialect.Column, error) {
	if err := e.ensure(ctx); err != nil {
		return nil, err
	}
	return e.dlt.TableColumns(ctx, e.db, table)
}

// TableRowCount returns the number of rows in the table.
func (e *Endpoint) TableRowCount(ctx context.Context, table string) (int64, error) {
	if err := e.ensure(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return n, nil
}

// QueryRows executes a SELECT written with ? placeholders and returns the
// result set as generic column/value maps. []byte values are normalized to
// string so rows can cross dialect boundaries.
func (e *Endpoint) QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := e.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, e.dlt.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", e.cfg.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				m[c] = string(b)
			} else {
				m[c] = values[i]
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Exec executes a DML statement written with ? placeholders and returns the
// affected row count.
func (e *Endpoint) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := e.ensure(ctx); err != nil {
		return 0, err
	}
	res, err := e.db.ExecContext(ctx, e.dlt.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("exec on %s failed: %w", e.cfg.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // drivers without RowsAffected support
	}
	return n, nil
}

// ExecRaw executes a statement verbatim, without placeholder rebinding.
// Used for dialect-generated DDL.
func (e *Endpoint) ExecRaw(ctx context.Context, stmt string) error {
	if err := e.ensure(ctx); err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("statement on %s failed: %w", e.cfg.Name, err)
	}
	return nil
}
