package store

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for cfg.Driver on a dedicated
// connection that is closed afterwards.
func Migrate(cfg config.Database) error {
	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}

	m, err := newMigrate(db, cfg.Driver)
	if err != nil {
		_ = db.Close()
		return err
	}
	// Closing the migrate instance also closes db.
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.WithFields(log.Fields{"source_err": srcErr, "db_err": dbErr}).Warn("migrate: close failed")
		}
	}()
	return up(m, cfg.Driver)
}

// MigrateDB applies the embedded migrations on an existing handle and leaves
// it open. Used for in-memory SQLite where a second connection would see a
// different database.
func MigrateDB(db *sql.DB, dialect string) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}
	return up(m, dialect)
}

func newMigrate(db *sql.DB, dialect string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, errors.Wrap(err, "load migrations")
	}

	var driver database.Driver
	switch dialect {
	case config.DriverMySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case config.DriverSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return nil, errors.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		return nil, errors.Wrap(err, "migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return nil, errors.Wrap(err, "init migrate")
	}
	return m, nil
}

func up(m *migrate.Migrate, dialect string) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "migration version")
	}
	log.WithFields(log.Fields{"dialect": dialect, "version": version, "dirty": dirty}).Info("migrations applied")
	return nil
}
