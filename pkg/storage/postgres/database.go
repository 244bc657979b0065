// Package postgres provides the relational persistence layer: the shared
// connection pool, schema migrations, dataset metadata, the per-dataset
// data tables (ds_<file_id>), users and the query log.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Config holds configuration for the PostgreSQL layer.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
}

// DB wraps the shared pgx connection pool.
type DB struct {
	pool   *pgxpool.Pool
	config *Config
	logger zerolog.Logger
}

// New creates the database connection pool and verifies connectivity.
func New(ctx context.Context, config *Config, logger zerolog.Logger) (*DB, error) {
	if config == nil || config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool, config: config, logger: logger}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// MigrateToLatest applies all pending schema migrations from the embedded
// migration files.
func (db *DB) MigrateToLatest() error {
	migrationDB, err := sql.Open("postgres", db.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := migratepg.WithInstance(migrationDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// TrigramAvailable probes for the pg_trgm extension. When absent the
// trigram search strategies are disabled; the rest of the chain still runs.
func (db *DB) TrigramAvailable(ctx context.Context) bool {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`,
	).Scan(&exists)
	if err != nil {
		db.logger.Warn().Err(err).Msg("pg_trgm probe failed")
		return false
	}
	return exists
}

// WithRetry executes fn with retry for deadlocks and serialization
// failures, with exponential backoff.
func (db *DB) WithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) || attempt == maxRetries-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isRetryableError checks for deadlock and serialization failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "lock not available")
}
