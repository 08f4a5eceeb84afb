package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/store"
)

// NodeStore implements store.NodeStore using PostgreSQL.
type NodeStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const nodeColumns = `id, name, driver, provision_state, maintenance, transitioning,
	needs_attention, attention_reason, driver_info, created_at, updated_at`

// Create enrolls a new node.
func (s *NodeStore) Create(ctx context.Context, n *models.Node) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ProvisionState == "" {
		n.ProvisionState = models.StateEnrolling
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	info, err := json.Marshal(driverInfoOrEmpty(n.DriverInfo))
	if err != nil {
		return fmt.Errorf("encoding driver info: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.Name, n.Driver, n.ProvisionState, n.Maintenance, n.Transitioning,
		n.NeedsAttention, n.AttentionReason, info, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating node %s: %w", n.Name, err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	return n, nil
}

// List retrieves all nodes.
func (s *NodeStore) List(ctx context.Context) ([]*models.Node, error) {
	return s.list(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
}

// ListByDriver retrieves all nodes using the given driver variant.
func (s *NodeStore) ListByDriver(ctx context.Context, driver string) ([]*models.Node, error) {
	return s.list(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE driver = $1 ORDER BY name`, driver)
}

func (s *NodeStore) list(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// Update persists mutable node fields.
func (s *NodeStore) Update(ctx context.Context, n *models.Node) error {
	info, err := json.Marshal(driverInfoOrEmpty(n.DriverInfo))
	if err != nil {
		return fmt.Errorf("encoding driver info: %w", err)
	}
	n.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET
			driver = $2,
			provision_state = $3,
			maintenance = $4,
			transitioning = $5,
			needs_attention = $6,
			attention_reason = $7,
			driver_info = $8,
			updated_at = $9
		WHERE id = $1`,
		n.ID, n.Driver, n.ProvisionState, n.Maintenance, n.Transitioning,
		n.NeedsAttention, n.AttentionReason, info, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating node %s: %w", n.ID, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetAttention flags or clears the needs-attention state for a node.
func (s *NodeStore) SetAttention(ctx context.Context, id string, needs bool, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET needs_attention = $2, attention_reason = $3, updated_at = $4
		WHERE id = $1`,
		id, needs, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting attention on node %s: %w", id, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTransitioning marks whether the node is mid ownership transfer.
func (s *NodeStore) SetTransitioning(ctx context.Context, id string, transitioning bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET transitioning = $2, updated_at = $3 WHERE id = $1`,
		id, transitioning, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting transitioning on node %s: %w", id, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*models.Node, error) {
	var n models.Node
	var info []byte
	if err := row.Scan(
		&n.ID, &n.Name, &n.Driver, &n.ProvisionState, &n.Maintenance, &n.Transitioning,
		&n.NeedsAttention, &n.AttentionReason, &info, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &n.DriverInfo); err != nil {
			return nil, fmt.Errorf("decoding driver info: %w", err)
		}
	}
	return &n, nil
}

func driverInfoOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
