// Package db opens the Postgres store of record and applies its schema.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"drip-engine/internal/pkg/config"
)

// ConnectionConfig holds database connection pool configuration.
type ConnectionConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConnectionConfig returns pool settings sized for a handful of
// delivery workers plus the maintenance scheduler.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// ErrMissingDSN is returned by Open when no connection string is configured.
var ErrMissingDSN = errors.New("DATABASE_URL not set")

// Open connects to Postgres through the pgx stdlib driver, applies pool
// settings from the environment and verifies the connection with a ping.
//
// Environment variables:
//   - DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS: positive integers
//   - DB_CONN_MAX_LIFETIME, DB_CONN_MAX_IDLE_TIME: positive durations
//
// Invalid values fall back to DefaultConnectionConfig.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cfg := getConnectionConfigFromEnv()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	slog.Info("database connection pool configured",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", cfg.ConnMaxIdleTime))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func getConnectionConfigFromEnv() ConnectionConfig {
	cfg := DefaultConnectionConfig()
	positive := func(v int) error { return config.ValidateIntRange(v, 1, 10000) }

	cfg.MaxOpenConns = config.LoadEnvInt("DB_MAX_OPEN_CONNS", cfg.MaxOpenConns, positive).Value.(int)
	cfg.MaxIdleConns = config.LoadEnvInt("DB_MAX_IDLE_CONNS", cfg.MaxIdleConns, positive).Value.(int)
	cfg.ConnMaxLifetime = config.LoadEnvDuration("DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime, config.ValidatePositiveDuration).Value.(time.Duration)
	cfg.ConnMaxIdleTime = config.LoadEnvDuration("DB_CONN_MAX_IDLE_TIME", cfg.ConnMaxIdleTime, config.ValidatePositiveDuration).Value.(time.Duration)

	return cfg
}
