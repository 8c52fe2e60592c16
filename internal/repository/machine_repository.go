package repository

import (
	"context"
	"fmt"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// MachineRepository manages the machines of a session's unit. Machines have
// no identity of their own outside their session, so it is not a Repository.
type MachineRepository interface {
	FindBySession(ctx context.Context, sessionID string) ([]domain.Machine, error)
	FindByNode(ctx context.Context, address string) (map[string][]domain.Machine, error)
	ReplaceForSession(ctx context.Context, sessionID string, machines []domain.Machine) error
}

// machineRepositoryImpl implements MachineRepository
type machineRepositoryImpl struct {
	db Querier
}

// NewMachineRepository creates a new machine repository
func NewMachineRepository(db Querier) MachineRepository {
	return &machineRepositoryImpl{db: db}
}

// FindBySession retrieves a session's machines in unit order
func (r *machineRepositoryImpl) FindBySession(ctx context.Context, sessionID string) (machines []domain.Machine, err error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, port, state, active FROM machines
		WHERE session_id = ? ORDER BY position, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer closeRows(rows, &err)

	for rows.Next() {
		var m domain.Machine
		if err := rows.Scan(&m.Name, &m.Port, &m.State, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// FindByNode retrieves the machines of every session on a node keyed by session id
func (r *machineRepositoryImpl) FindByNode(ctx context.Context, address string) (result map[string][]domain.Machine, err error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.session_id, m.name, m.port, m.state, m.active
		FROM machines m JOIN sessions s ON s.id = m.session_id
		WHERE s.node_address = ? ORDER BY m.session_id, m.position, m.id`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines by node: %w", err)
	}
	defer closeRows(rows, &err)

	result = make(map[string][]domain.Machine)
	for rows.Next() {
		var (
			sessionID string
			m         domain.Machine
		)
		if err := rows.Scan(&sessionID, &m.Name, &m.Port, &m.State, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		result[sessionID] = append(result[sessionID], m)
	}
	return result, rows.Err()
}

// ReplaceForSession swaps the full machine list of a session. Callers wanting
// atomicity pass a transaction as the Querier.
func (r *machineRepositoryImpl) ReplaceForSession(ctx context.Context, sessionID string, machines []domain.Machine) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear machines: %w", err)
	}
	for i, m := range machines {
		if err := r.insert(ctx, sessionID, i, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *machineRepositoryImpl) insert(ctx context.Context, sessionID string, position int, m domain.Machine) error {
	if m.Name == "" {
		return fmt.Errorf("machine name is required: %w", ErrInvalidEntity)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO machines (session_id, position, name, port, state, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, position, m.Name, m.Port, m.State, m.Active)
	if err != nil {
		return fmt.Errorf("failed to insert machine %s: %w", m.Name, err)
	}
	return nil
}
