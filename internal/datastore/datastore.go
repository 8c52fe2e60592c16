package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/migrations"
	"github.com/jbweber/homelab/remu/internal/repository"
	_ "modernc.org/sqlite"
)

// Datastore is the persistent Node/Workshop/Session store shared by the
// scheduler, the recycling loop and the admin API. Reads go through a
// prepared statement cache; every write is a single transaction.
type Datastore struct {
	DB *sql.DB

	cache     *repository.PreparedStatementCache
	nodes     repository.NodeRepository
	workshops repository.WorkshopRepository
	sessions  repository.SessionRepository
	machines  repository.MachineRepository
}

// New opens the database at dsn, applies migrations and returns a Datastore.
func New(dsn string) (*Datastore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrations.NewDefaultMigrator(db).RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewFromDB(db), nil
}

// NewFromDB wraps an already migrated database
func NewFromDB(db *sql.DB) *Datastore {
	cache := repository.NewPreparedStatementCache(db)
	return &Datastore{
		DB:        db,
		cache:     cache,
		nodes:     repository.NewNodeRepository(cache),
		workshops: repository.NewWorkshopRepository(cache),
		sessions:  repository.NewSessionRepository(cache),
		machines:  repository.NewMachineRepository(cache),
	}
}

// Close releases cached statements and the database
func (ds *Datastore) Close() error {
	cacheErr := ds.cache.Close()
	if err := ds.DB.Close(); err != nil {
		return err
	}
	return cacheErr
}

// txRepos are repositories bound to one transaction
type txRepos struct {
	nodes     repository.NodeRepository
	workshops repository.WorkshopRepository
	sessions  repository.SessionRepository
	machines  repository.MachineRepository
}

func (ds *Datastore) withTx(ctx context.Context, fn func(r txRepos) error) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r := txRepos{
		nodes:     repository.NewNodeRepository(tx),
		workshops: repository.NewWorkshopRepository(tx),
		sessions:  repository.NewSessionRepository(tx),
		machines:  repository.NewMachineRepository(tx),
	}
	if err := fn(r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetNode returns a node with its sessions and their machines loaded
func (ds *Datastore) GetNode(ctx context.Context, address string) (*domain.Node, error) {
	node, err := ds.nodes.FindByID(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := ds.loadSessions(ctx, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes returns every node with sessions and machines loaded, in registration order
func (ds *Datastore) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	nodes, err := ds.nodes.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*domain.Node, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		if err := ds.loadSessions(ctx, &node); err != nil {
			return nil, err
		}
		result = append(result, &node)
	}
	return result, nil
}

func (ds *Datastore) loadSessions(ctx context.Context, node *domain.Node) error {
	sessions, err := ds.sessions.FindByNode(ctx, node.Address)
	if err != nil {
		return err
	}
	machines, err := ds.machines.FindByNode(ctx, node.Address)
	if err != nil {
		return err
	}
	node.Sessions = make(map[string]*domain.Session, len(sessions))
	for i := range sessions {
		s := sessions[i]
		s.Machines = machines[s.ID]
		node.Sessions[s.ID] = &s
	}
	return nil
}

// InsertNode registers a new node. Registering an address twice is ErrDuplicate.
func (ds *Datastore) InsertNode(ctx context.Context, node domain.Node) error {
	return ds.withTx(ctx, func(r txRepos) error {
		exists, err := r.nodes.ExistsByID(ctx, node.Address)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("node %s: %w", node.Address, repository.ErrDuplicate)
		}
		_, err = r.nodes.Save(ctx, node)
		return err
	})
}

// RemoveNode deregisters a node and drops its sessions
func (ds *Datastore) RemoveNode(ctx context.Context, address string) error {
	return ds.withTx(ctx, func(r txRepos) error {
		return r.nodes.DeleteByID(ctx, address)
	})
}

// UpdateNodeGauges records a node's polled resource usage
func (ds *Datastore) UpdateNodeGauges(ctx context.Context, address string, gauges domain.ResourceGauges, at time.Time) error {
	return ds.withTx(ctx, func(r txRepos) error {
		return r.nodes.UpdateGauges(ctx, address, gauges, at)
	})
}

// GetWorkshop returns a workshop by name
func (ds *Datastore) GetWorkshop(ctx context.Context, name string) (*domain.Workshop, error) {
	w, err := ds.workshops.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkshopByID returns a workshop by id
func (ds *Datastore) GetWorkshopByID(ctx context.Context, id int64) (*domain.Workshop, error) {
	w, err := ds.workshops.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkshops returns every workshop ordered by name
func (ds *Datastore) ListWorkshops(ctx context.Context) ([]domain.Workshop, error) {
	return ds.workshops.FindAll(ctx)
}

// SaveWorkshop creates or updates a workshop
func (ds *Datastore) SaveWorkshop(ctx context.Context, w domain.Workshop) (domain.Workshop, error) {
	var saved domain.Workshop
	err := ds.withTx(ctx, func(r txRepos) error {
		var err error
		saved, err = r.workshops.Save(ctx, w)
		return err
	})
	return saved, err
}

// RemoveWorkshop deletes a workshop by name together with its sessions
func (ds *Datastore) RemoveWorkshop(ctx context.Context, name string) error {
	return ds.withTx(ctx, func(r txRepos) error {
		w, err := r.workshops.FindByName(ctx, name)
		if err != nil {
			return err
		}
		return r.workshops.DeleteByID(ctx, w.ID)
	})
}

// GetSession returns a session with its machines
func (ds *Datastore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, err := ds.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Machines, err = ds.machines.FindBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns every session with its machines
func (ds *Datastore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := ds.sessions.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].Machines, err = ds.machines.FindBySession(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// ListWorkshopSessions returns the sessions of one workshop across all nodes
func (ds *Datastore) ListWorkshopSessions(ctx context.Context, workshop string) ([]domain.Session, error) {
	if _, err := ds.workshops.FindByName(ctx, workshop); err != nil {
		return nil, err
	}
	sessions, err := ds.sessions.FindByWorkshop(ctx, workshop)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].Machines, err = ds.machines.FindBySession(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// InsertSession stores a new session and its machines atomically
func (ds *Datastore) InsertSession(ctx context.Context, s domain.Session) error {
	return ds.withTx(ctx, func(r txRepos) error {
		exists, err := r.sessions.ExistsByID(ctx, s.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("session %s: %w", s.ID, repository.ErrDuplicate)
		}
		if _, err := r.sessions.Save(ctx, s); err != nil {
			return err
		}
		return r.machines.ReplaceForSession(ctx, s.ID, s.Machines)
	})
}

// UpdateSession rewrites a session's scheduling fields; machines are left untouched
func (ds *Datastore) UpdateSession(ctx context.Context, s domain.Session) error {
	return ds.withTx(ctx, func(r txRepos) error {
		exists, err := r.sessions.ExistsByID(ctx, s.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("session %s: %w", s.ID, repository.ErrNotFound)
		}
		_, err = r.sessions.Save(ctx, s)
		return err
	})
}

// RemoveSession deletes a session and its machines
func (ds *Datastore) RemoveSession(ctx context.Context, id string) error {
	return ds.withTx(ctx, func(r txRepos) error {
		return r.sessions.DeleteByID(ctx, id)
	})
}

// UpdateMachines replaces a session's machine list
func (ds *Datastore) UpdateMachines(ctx context.Context, sessionID string, machines []domain.Machine) error {
	return ds.withTx(ctx, func(r txRepos) error {
		if err := ds.requireSession(ctx, r, sessionID); err != nil {
			return err
		}
		return r.machines.ReplaceForSession(ctx, sessionID, machines)
	})
}

func (ds *Datastore) requireSession(ctx context.Context, r txRepos, id string) error {
	exists, err := r.sessions.ExistsByID(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err means the requested record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
