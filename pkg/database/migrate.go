package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

// Migrate applies all pending migrations found in sourceURL (typically
// "file://migrations") to the conn's underlying database, using the
// migration driver matching the conn's dialect.
func (c *Conn) Migrate(sourceURL string) error {
	driver, err := c.migrateDriver()
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, string(c.dialect), driver)
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (c *Conn) migrateDriver() (migratedb.Driver, error) {
	switch c.dialect {
	case DialectPostgres:
		return postgres.WithInstance(c.db, &postgres.Config{})
	case DialectSQLite:
		return sqlite3.WithInstance(c.db, &sqlite3.Config{})
	default:
		return nil, fmt.Errorf("unsupported dialect for migrations: %s", c.dialect)
	}
}
