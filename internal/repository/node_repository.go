package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// NodeRepository defines domain-specific operations for nodes.
// Nodes returned by it carry no sessions; the datastore loads those.
type NodeRepository interface {
	Repository[domain.Node, string]
	UpdateGauges(ctx context.Context, address string, gauges domain.ResourceGauges, at time.Time) error
}

// nodeRepositoryImpl implements NodeRepository
type nodeRepositoryImpl struct {
	db Querier
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(db Querier) NodeRepository {
	return &nodeRepositoryImpl{db: db}
}

const selectNode = `SELECT address, port, cpu_percent, mem_percent, disk_percent, status_updated_at FROM nodes`

// Save creates a node or updates its port
func (r *nodeRepositoryImpl) Save(ctx context.Context, node domain.Node) (domain.Node, error) {
	if node.Address == "" {
		return domain.Node{}, fmt.Errorf("node address is required: %w", ErrInvalidEntity)
	}
	if node.Port <= 0 || node.Port > 65535 {
		return domain.Node{}, fmt.Errorf("node port %d out of range: %w", node.Port, ErrInvalidEntity)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes (address, port) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET port = excluded.port`,
		node.Address, node.Port)
	if err != nil {
		return domain.Node{}, fmt.Errorf("failed to save node: %w", err)
	}
	return node, nil
}

// FindByID retrieves a node by its address
func (r *nodeRepositoryImpl) FindByID(ctx context.Context, address string) (domain.Node, error) {
	node, err := scanNode(r.db.QueryRowContext(ctx, selectNode+` WHERE address = ?`, address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Node{}, fmt.Errorf("node %s: %w", address, ErrNotFound)
		}
		return domain.Node{}, fmt.Errorf("failed to find node: %w", err)
	}
	return node, nil
}

// FindAll retrieves all nodes ordered by registration
func (r *nodeRepositoryImpl) FindAll(ctx context.Context) (nodes []domain.Node, err error) {
	rows, err := r.db.QueryContext(ctx, selectNode+` ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer closeRows(rows, &err)

	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// DeleteByID removes a node and, by cascade, its sessions
func (r *nodeRepositoryImpl) DeleteByID(ctx context.Context, address string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM nodes WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return requireAffected(result, fmt.Sprintf("node %s", address))
}

// ExistsByID checks if a node exists
func (r *nodeRepositoryImpl) ExistsByID(ctx context.Context, address string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE address = ?`, address).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check node existence: %w", err)
	}
	return count > 0, nil
}

// UpdateGauges records the latest resource usage reported by a node
func (r *nodeRepositoryImpl) UpdateGauges(ctx context.Context, address string, gauges domain.ResourceGauges, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET cpu_percent = ?, mem_percent = ?, disk_percent = ?, status_updated_at = ?
		WHERE address = ?`,
		gauges.CPU, gauges.Memory, gauges.Disk, at.UTC(), address)
	if err != nil {
		return fmt.Errorf("failed to update node gauges: %w", err)
	}
	return requireAffected(result, fmt.Sprintf("node %s", address))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (domain.Node, error) {
	var (
		node          domain.Node
		cpu, mem, hdd sql.NullFloat64
		updatedAt     sql.NullTime
	)
	if err := row.Scan(&node.Address, &node.Port, &cpu, &mem, &hdd, &updatedAt); err != nil {
		return domain.Node{}, err
	}
	if cpu.Valid && mem.Valid && hdd.Valid {
		node.Gauges = &domain.ResourceGauges{CPU: cpu.Float64, Memory: mem.Float64, Disk: hdd.Float64}
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		node.StatusUpdatedAt = &t
	}
	return node, nil
}
