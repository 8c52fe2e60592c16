package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// SessionRepository defines domain-specific operations for sessions.
// Sessions returned by it carry no machines; see MachineRepository.
type SessionRepository interface {
	Repository[domain.Session, string]
	FindByNode(ctx context.Context, address string) ([]domain.Session, error)
	FindByWorkshop(ctx context.Context, workshop string) ([]domain.Session, error)
}

// sessionRepositoryImpl implements SessionRepository
type sessionRepositoryImpl struct {
	db Querier
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db Querier) SessionRepository {
	return &sessionRepositoryImpl{db: db}
}

const selectSession = `
	SELECT s.id, s.node_address, w.name, s.password, s.available, s.started_at
	FROM sessions s JOIN workshops w ON w.id = s.workshop_id`

// Save creates or replaces a session record. The workshop is resolved by name.
func (r *sessionRepositoryImpl) Save(ctx context.Context, s domain.Session) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, fmt.Errorf("session id is required: %w", ErrInvalidEntity)
	}
	if s.NodeAddress == "" {
		return domain.Session{}, fmt.Errorf("session node address is required: %w", ErrInvalidEntity)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, node_address, workshop_id, password, available, started_at)
		SELECT ?, ?, w.id, ?, ?, ? FROM workshops w WHERE w.name = ?
		ON CONFLICT(id) DO UPDATE SET
			node_address = excluded.node_address,
			workshop_id = excluded.workshop_id,
			password = excluded.password,
			available = excluded.available,
			started_at = excluded.started_at`,
		s.ID, s.NodeAddress, s.Password, s.Available, s.StartedAt.UTC(), s.Workshop)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to save session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.Session{}, fmt.Errorf("session %s references unknown workshop %s: %w", s.ID, s.Workshop, ErrInvalidEntity)
	}
	return s, nil
}

// FindByID retrieves a session by its id
func (r *sessionRepositoryImpl) FindByID(ctx context.Context, id string) (domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, selectSession+` WHERE s.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// FindAll retrieves all sessions
func (r *sessionRepositoryImpl) FindAll(ctx context.Context) ([]domain.Session, error) {
	return r.query(ctx, selectSession+` ORDER BY s.started_at, s.id`)
}

// FindByNode retrieves the sessions hosted by a node
func (r *sessionRepositoryImpl) FindByNode(ctx context.Context, address string) ([]domain.Session, error) {
	return r.query(ctx, selectSession+` WHERE s.node_address = ? ORDER BY s.started_at, s.id`, address)
}

// FindByWorkshop retrieves the sessions of a workshop across all nodes
func (r *sessionRepositoryImpl) FindByWorkshop(ctx context.Context, workshop string) ([]domain.Session, error) {
	return r.query(ctx, selectSession+` WHERE w.name = ? ORDER BY s.started_at, s.id`, workshop)
}

// DeleteByID removes a session and, by cascade, its machines
func (r *sessionRepositoryImpl) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireAffected(result, fmt.Sprintf("session %s", id))
}

// ExistsByID checks if a session exists
func (r *sessionRepositoryImpl) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return count > 0, nil
}

func (r *sessionRepositoryImpl) query(ctx context.Context, query string, args ...any) (sessions []domain.Session, err error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer closeRows(rows, &err)

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.NodeAddress, &s.Workshop, &s.Password, &s.Available, &s.StartedAt)
	return s, err
}
