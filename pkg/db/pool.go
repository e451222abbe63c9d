// Package db opens database/sql pools for the SQL task queue. Importing it
// registers the postgres (lib/pq), pgx and sqlite3 drivers.
package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// Driver names accepted by NewPool.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

// PoolConfig configures a database connection pool
type PoolConfig struct {
	// DriverName is one of postgres, pgx, sqlite3
	DriverName string `yaml:"driver" json:"driver"`

	// DSN is the database connection string
	DSN string `yaml:"dsn" json:"dsn"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// PingTimeout bounds the startup connectivity check. Default: 5s.
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
}

// DefaultPoolConfig returns the default pool sizing for dsn.
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	cfg := PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	if driverName == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Validate checks the configuration without opening anything.
func (c PoolConfig) Validate() error {
	switch {
	case c.DSN == "":
		return core.InvalidConfigf("db: DSN cannot be empty")
	case c.DriverName == "":
		return core.InvalidConfigf("db: DriverName cannot be empty")
	case c.DriverName != DriverPostgres && c.DriverName != DriverPgx && c.DriverName != DriverSQLite:
		return core.InvalidConfigf("db: unsupported driver %q", c.DriverName)
	case c.MaxOpenConns <= 0:
		return core.InvalidConfigf("db: MaxOpenConns must be positive")
	case c.MaxIdleConns < 0:
		return core.InvalidConfigf("db: MaxIdleConns cannot be negative")
	case c.MaxIdleConns > c.MaxOpenConns:
		return core.InvalidConfigf("db: MaxIdleConns cannot exceed MaxOpenConns")
	case c.ConnMaxLifetime < 0:
		return core.InvalidConfigf("db: ConnMaxLifetime cannot be negative")
	case c.ConnMaxIdleTime < 0:
		return core.InvalidConfigf("db: ConnMaxIdleTime cannot be negative")
	}
	return nil
}

// NewPool validates config, opens the pool and pings it.
func NewPool(ctx context.Context, config PoolConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
