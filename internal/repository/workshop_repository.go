package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// WorkshopRepository defines domain-specific operations for workshops
type WorkshopRepository interface {
	Repository[domain.Workshop, int64]
	FindByName(ctx context.Context, name string) (domain.Workshop, error)
}

// workshopRepositoryImpl implements WorkshopRepository
type workshopRepositoryImpl struct {
	db Querier
}

// NewWorkshopRepository creates a new workshop repository
func NewWorkshopRepository(db Querier) WorkshopRepository {
	return &workshopRepositoryImpl{db: db}
}

const selectWorkshop = `SELECT id, name, label, description, min_instances, max_instances, enabled FROM workshops`

// Save creates or updates a workshop
func (r *workshopRepositoryImpl) Save(ctx context.Context, w domain.Workshop) (domain.Workshop, error) {
	if err := validateWorkshop(w); err != nil {
		return domain.Workshop{}, err
	}

	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workshops WHERE name = ? AND id != ?`, w.Name, w.ID).Scan(&count)
	if err != nil {
		return domain.Workshop{}, fmt.Errorf("failed to check for duplicate workshop name: %w", err)
	}
	if count > 0 {
		return domain.Workshop{}, fmt.Errorf("workshop with name '%s': %w", w.Name, ErrDuplicate)
	}

	if w.ID == 0 {
		return r.createWorkshop(ctx, w)
	}
	return r.updateWorkshop(ctx, w)
}

func validateWorkshop(w domain.Workshop) error {
	if w.Name == "" {
		return fmt.Errorf("workshop name is required: %w", ErrInvalidEntity)
	}
	if w.MinInstances < 0 {
		return fmt.Errorf("workshop min_instances must not be negative: %w", ErrInvalidEntity)
	}
	if w.MaxInstances < w.MinInstances {
		return fmt.Errorf("workshop max_instances %d below min_instances %d: %w", w.MaxInstances, w.MinInstances, ErrInvalidEntity)
	}
	return nil
}

func (r *workshopRepositoryImpl) createWorkshop(ctx context.Context, w domain.Workshop) (domain.Workshop, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO workshops (name, label, description, min_instances, max_instances, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.Name, w.Label, w.Description, w.MinInstances, w.MaxInstances, w.Enabled)
	if err != nil {
		return domain.Workshop{}, fmt.Errorf("failed to create workshop: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Workshop{}, fmt.Errorf("failed to get workshop ID: %w", err)
	}

	w.ID = id
	return w, nil
}

func (r *workshopRepositoryImpl) updateWorkshop(ctx context.Context, w domain.Workshop) (domain.Workshop, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workshops
		SET name = ?, label = ?, description = ?, min_instances = ?, max_instances = ?, enabled = ?
		WHERE id = ?`,
		w.Name, w.Label, w.Description, w.MinInstances, w.MaxInstances, w.Enabled, w.ID)
	if err != nil {
		return domain.Workshop{}, fmt.Errorf("failed to update workshop: %w", err)
	}
	if err := requireAffected(result, fmt.Sprintf("workshop with ID %d", w.ID)); err != nil {
		return domain.Workshop{}, err
	}
	return w, nil
}

// FindByID finds a workshop by ID
func (r *workshopRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Workshop, error) {
	w, err := scanWorkshop(r.db.QueryRowContext(ctx, selectWorkshop+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Workshop{}, fmt.Errorf("workshop with ID %d: %w", id, ErrNotFound)
		}
		return domain.Workshop{}, fmt.Errorf("failed to find workshop: %w", err)
	}
	return w, nil
}

// FindByName finds a workshop by its unique name
func (r *workshopRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Workshop, error) {
	w, err := scanWorkshop(r.db.QueryRowContext(ctx, selectWorkshop+` WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Workshop{}, fmt.Errorf("workshop %s: %w", name, ErrNotFound)
		}
		return domain.Workshop{}, fmt.Errorf("failed to find workshop by name: %w", err)
	}
	return w, nil
}

// FindAll retrieves all workshops ordered by name
func (r *workshopRepositoryImpl) FindAll(ctx context.Context) (workshops []domain.Workshop, err error) {
	rows, err := r.db.QueryContext(ctx, selectWorkshop+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workshops: %w", err)
	}
	defer closeRows(rows, &err)

	for rows.Next() {
		w, err := scanWorkshop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workshop: %w", err)
		}
		workshops = append(workshops, w)
	}
	return workshops, rows.Err()
}

// DeleteByID removes a workshop and, by cascade, its sessions
func (r *workshopRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workshops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workshop: %w", err)
	}
	return requireAffected(result, fmt.Sprintf("workshop with ID %d", id))
}

// ExistsByID checks if a workshop exists
func (r *workshopRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workshops WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check workshop existence: %w", err)
	}
	return count > 0, nil
}

func scanWorkshop(row rowScanner) (domain.Workshop, error) {
	var w domain.Workshop
	err := row.Scan(&w.ID, &w.Name, &w.Label, &w.Description, &w.MinInstances, &w.MaxInstances, &w.Enabled)
	return w, err
}
