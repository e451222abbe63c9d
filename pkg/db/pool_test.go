package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
)

func TestDefaultPoolConfig(t *testing.T) {
	config := DefaultPoolConfig("test-dsn", DriverPostgres)

	if config.DSN != "test-dsn" {
		t.Errorf("DSN = %v, want test-dsn", config.DSN)
	}
	if config.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %v, want 25", config.MaxOpenConns)
	}
	if config.MaxIdleConns != 5 {
		t.Errorf("MaxIdleConns = %v, want 5", config.MaxIdleConns)
	}
	if config.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %v, want 5m", config.ConnMaxLifetime)
	}

	if lite := DefaultPoolConfig("file.db", DriverSQLite); lite.MaxOpenConns != 1 {
		t.Errorf("sqlite MaxOpenConns = %v, want 1", lite.MaxOpenConns)
	}
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PoolConfig)
	}{
		{"empty dsn", func(c *PoolConfig) { c.DSN = "" }},
		{"empty driver", func(c *PoolConfig) { c.DriverName = "" }},
		{"unknown driver", func(c *PoolConfig) { c.DriverName = "mysql" }},
		{"zero max open", func(c *PoolConfig) { c.MaxOpenConns = 0 }},
		{"negative idle", func(c *PoolConfig) { c.MaxIdleConns = -1 }},
		{"idle above open", func(c *PoolConfig) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
		{"negative lifetime", func(c *PoolConfig) { c.ConnMaxLifetime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPoolConfig("postgres://localhost/db", DriverPostgres)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, core.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := DefaultPoolConfig("postgres://localhost/db", DriverPgx).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestNewPool_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "queue.db")
	pool, err := NewPool(context.Background(), DefaultPoolConfig(dsn, DriverSQLite))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	var one int
	if err := pool.QueryRow("SELECT 1").Scan(&one); err != nil || one != 1 {
		t.Fatalf("SELECT 1 = %d, %v", one, err)
	}
}

func TestNewPool_FailFast(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{DriverName: DriverPostgres})
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("NewPool() = %v, want ErrInvalidConfig", err)
	}
}
