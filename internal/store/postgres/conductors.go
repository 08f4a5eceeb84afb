package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// ConductorStore implements store.ConductorStore using PostgreSQL.
type ConductorStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Upsert inserts or replaces a conductor record.
func (s *ConductorStore) Upsert(ctx context.Context, c *models.Conductor) error {
	query := `
		INSERT INTO conductors (hostname, drivers, started_at, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hostname) DO UPDATE SET
			drivers = EXCLUDED.drivers,
			started_at = EXCLUDED.started_at,
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING registered_at`

	now := time.Now().UTC()
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = now
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = now
	}

	err := s.db.QueryRowContext(ctx, query,
		c.Hostname,
		pq.Array(c.Drivers),
		c.StartedAt,
		c.LastHeartbeat,
		c.RegisteredAt,
	).Scan(&c.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upserting conductor %s: %w", c.Hostname, err)
	}
	return nil
}

// Touch refreshes the heartbeat timestamp for hostname.
func (s *ConductorStore) Touch(ctx context.Context, hostname string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conductors SET last_heartbeat = $2 WHERE hostname = $1`,
		hostname, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touching conductor %s: %w", hostname, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching conductor %s: %w", hostname, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List retrieves all conductor records.
func (s *ConductorStore) List(ctx context.Context) ([]*models.Conductor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, drivers, started_at, last_heartbeat, registered_at
		FROM conductors
		ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("listing conductors: %w", err)
	}
	defer rows.Close()

	var conductors []*models.Conductor
	for rows.Next() {
		var c models.Conductor
		if err := rows.Scan(
			&c.Hostname,
			pq.Array(&c.Drivers),
			&c.StartedAt,
			&c.LastHeartbeat,
			&c.RegisteredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning conductor: %w", err)
		}
		conductors = append(conductors, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conductors: %w", err)
	}
	return conductors, nil
}

// Delete removes a conductor record.
func (s *ConductorStore) Delete(ctx context.Context, hostname string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conductors WHERE hostname = $1`, hostname)
	if err != nil {
		return fmt.Errorf("deleting conductor %s: %w", hostname, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// isNoRows reports whether err is the driver's empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
