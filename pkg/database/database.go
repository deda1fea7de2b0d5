// Package database provides the minimal relational-store adapter the rest
// of the core depends on: query, exec, and transaction, with the SQL
// dialect treated as a parameter (SQLite for dev, PostgreSQL for prod).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies which SQL placeholder style and driver a Conn uses.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rows is the subset of *sql.Rows operations callers need.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Result is the subset of sql.Result operations callers need.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Querier is the read/write surface shared by Conn and Tx.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Exec(ctx context.Context, query string, args ...any) (Result, error)
}

// Row is the subset of *sql.Row operations callers need.
type Row interface {
	Scan(dest ...any) error
}

// Tx is a single database transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Conn is the adapter surface the rest of the core is written against.
// It normalizes `?`-style placeholders written by callers into the
// target dialect's native placeholder syntax before executing.
type Conn struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens a Conn for the given dialect and DSN. The driver must already
// be registered (pgx stdlib for postgres, mattn/go-sqlite3 for sqlite);
// callers import the driver package for its side-effecting init().
func Open(dialect Dialect, driverName, dsn string) (*Conn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	return &Conn{db: db, dialect: dialect}, nil
}

// WrapDB wraps an already-open *sql.DB (used by tests with sqlmock).
func WrapDB(dialect Dialect, db *sql.DB) *Conn {
	return &Conn{db: db, dialect: dialect}
}

// Dialect returns the conn's dialect.
func (c *Conn) Dialect() Dialect { return c.dialect }

// Close closes the underlying database handle.
func (c *Conn) Close() error { return c.db.Close() }

// Ping verifies connectivity.
func (c *Conn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// Query runs a query normalized to the conn's dialect.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.db.QueryContext(ctx, c.rewrite(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRow runs a single-row query normalized to the conn's dialect.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.db.QueryRowContext(ctx, c.rewrite(query), args...)
}

// Exec runs a statement normalized to the conn's dialect.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return c.db.ExecContext(ctx, c.rewrite(query), args...)
}

// WithTransaction runs fn inside a serializable transaction, committing on
// success and rolling back on error or panic. This is the single-SQL-
// transaction-per-call pattern the Mission Store's verbs rely on.
func (c *Conn) WithTransaction(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	tx := &txAdapter{sqlTx: sqlTx, dialect: c.dialect}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rewrite converts `?` placeholders to the dialect's native syntax.
// Callers always write queries using `?`; Postgres needs `$1, $2, ...`.
func (c *Conn) rewrite(query string) string {
	return rewritePlaceholders(c.dialect, query)
}

type txAdapter struct {
	sqlTx   *sql.Tx
	dialect Dialect
}

func (t *txAdapter) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.sqlTx.QueryContext(ctx, rewritePlaceholders(t.dialect, query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *txAdapter) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.sqlTx.QueryRowContext(ctx, rewritePlaceholders(t.dialect, query), args...)
}

func (t *txAdapter) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return t.sqlTx.ExecContext(ctx, rewritePlaceholders(t.dialect, query), args...)
}

func (t *txAdapter) Commit() error   { return t.sqlTx.Commit() }
func (t *txAdapter) Rollback() error { return t.sqlTx.Rollback() }

// rewritePlaceholders normalizes `?` placeholders for the given dialect.
// SQLite accepts `?` natively, so it is a no-op. Postgres requires
// positional `$N` placeholders.
func rewritePlaceholders(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// IsNoRows reports whether err is the "no rows" sentinel from a single-row
// query, regardless of dialect.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}

// ErrNoRows re-exports sql.ErrNoRows so callers don't need to import
// database/sql directly.
var ErrNoRows = sql.ErrNoRows
