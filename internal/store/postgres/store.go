// Package postgres provides the PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/basaltfleet/basalt/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db         *sql.DB
	logger     *slog.Logger
	conductors *ConductorStore
	nodes      *NodeStore
}

var _ store.Store = (*PostgresStore)(nil)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}
	s.conductors = &ConductorStore{db: db, logger: logger}
	s.nodes = &NodeStore{db: db, logger: logger}

	return s, nil
}

// Conductors returns the ConductorStore.
func (s *PostgresStore) Conductors() store.ConductorStore {
	return s.conductors
}

// Nodes returns the NodeStore.
func (s *PostgresStore) Nodes() store.NodeStore {
	return s.nodes
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables this layer needs if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conductors (
		hostname       text PRIMARY KEY,
		drivers        text[] NOT NULL DEFAULT '{}',
		started_at     timestamptz NOT NULL,
		last_heartbeat timestamptz NOT NULL,
		registered_at  timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id               uuid PRIMARY KEY,
		name             text NOT NULL UNIQUE,
		driver           text NOT NULL,
		provision_state  text NOT NULL,
		maintenance      boolean NOT NULL DEFAULT false,
		transitioning    boolean NOT NULL DEFAULT false,
		needs_attention  boolean NOT NULL DEFAULT false,
		attention_reason text NOT NULL DEFAULT '',
		driver_info      jsonb NOT NULL DEFAULT '{}',
		created_at       timestamptz NOT NULL,
		updated_at       timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS nodes_driver_idx ON nodes (driver)`,
}
