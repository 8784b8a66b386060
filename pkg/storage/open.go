package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormConfig returns the GORM settings used by Open.
// Timestamps are always written in UTC so that stored times compare consistently.
func GormConfig(verbose bool) *gorm.Config {
	level := logger.Silent
	if verbose {
		level = logger.Info
	}
	return &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to the database named by driver and dsn and applies pool settings.
// SQLite is restricted to a single open connection, which serializes writers
// and keeps ":memory:" databases shared across the pool.
func Open(driver, dsn string, verbose bool, opts ...PoolOption) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "sqlite3", "":
		dialector = sqlite.Open(dsn)
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1), ConnMaxLifetime(0), ConnMaxIdleTime(0))
	case DriverPostgres, "postgresql", "pgx":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, GormConfig(verbose))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenStorage opens the database and wraps it in a GormStorage. Callers run Migrate.
func OpenStorage(driver, dsn string, verbose bool, opts ...PoolOption) (*GormStorage, error) {
	db, err := Open(driver, dsn, verbose, opts...)
	if err != nil {
		return nil, err
	}
	return NewGormStorage(db), nil
}
