// Package scheduler hands out lab units to participants, balancing them over
// the registered nodes, and reclaims the ones left idle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/mapping"
	"github.com/jbweber/homelab/remu/internal/node"
	"github.com/jbweber/homelab/remu/internal/repository"
)

// Store is the persistent state the scheduler reads and writes
type Store interface {
	GetNode(ctx context.Context, address string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	UpdateNodeGauges(ctx context.Context, address string, gauges domain.ResourceGauges, at time.Time) error
	GetWorkshop(ctx context.Context, name string) (*domain.Workshop, error)
	ListWorkshops(ctx context.Context) ([]domain.Workshop, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	InsertSession(ctx context.Context, s domain.Session) error
	UpdateSession(ctx context.Context, s domain.Session) error
	RemoveSession(ctx context.Context, id string) error
	UpdateMachines(ctx context.Context, sessionID string, machines []domain.Machine) error
}

// Options tune scheduling and recycling
type Options struct {
	PollInterval    time.Duration
	RecycleDelay    time.Duration
	Limits          Limits
	StrictTelemetry bool
	PasswordLength  int
}

// Checkout is what a participant receives for a started workshop
type Checkout struct {
	SessionID   string   `json:"session_id"`
	NodeAddress string   `json:"node"`
	Password    string   `json:"password"`
	Endpoints   []string `json:"endpoints"`
}

// Scheduler coordinates nodes, the store and the mapping publisher
type Scheduler struct {
	store     Store
	nodes     *node.Registry
	publisher mapping.Publisher
	opts      Options
	metrics   *Metrics
	log       *log.Entry
	now       func() time.Time

	// nodeLocks serialises session mutations per node
	nodeLocks sync.Map

	sweepMu    sync.Mutex
	candidates map[string]time.Time
}

// New creates a scheduler. A nil publisher drops mappings; nil metrics
// register on a private registry.
func New(store Store, nodes *node.Registry, publisher mapping.Publisher, opts Options, metrics *Metrics) *Scheduler {
	if publisher == nil {
		publisher = mapping.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.PasswordLength <= 0 {
		opts.PasswordLength = 6
	}
	return &Scheduler{
		store:      store,
		nodes:      nodes,
		publisher:  publisher,
		opts:       opts,
		metrics:    metrics,
		log:        log.WithField("component", "scheduler"),
		now:        time.Now,
		candidates: make(map[string]time.Time),
	}
}

func (s *Scheduler) lockNode(address string) func() {
	v, _ := s.nodeLocks.LoadOrStore(address, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Scheduler) opFailed(op string, err error) error {
	s.metrics.OperationFailures.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", ErrUnitOperationFailed, op, err)
}

func (s *Scheduler) workshop(ctx context.Context, name string) (*domain.Workshop, error) {
	w, err := s.store.GetWorkshop(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkshopNotFound, name)
		}
		return nil, err
	}
	return w, nil
}

func (s *Scheduler) newSession(address, workshop string, available bool) domain.Session {
	return domain.Session{
		ID:          uuid.NewString(),
		NodeAddress: address,
		Workshop:    workshop,
		Password:    domain.RandomToken(s.opts.PasswordLength),
		Available:   available,
		StartedAt:   s.now().UTC(),
	}
}

// StartWorkshop checks out a unit of the named workshop, cloning one if no
// pre-warmed unit is available, starts it and publishes its endpoints
func (s *Scheduler) StartWorkshop(ctx context.Context, name string) (*Checkout, error) {
	w, err := s.workshop(ctx, name)
	if err != nil {
		return nil, err
	}
	if !w.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrWorkshopDisabled, name)
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	target, err := s.loadBalance(w, nodes)
	if err != nil {
		s.metrics.NoCapacity.WithLabelValues(name).Inc()
		return nil, err
	}

	unlock := s.lockNode(target.Address)
	defer unlock()

	logger := s.log.WithFields(log.Fields{"workshop": name, "node": target.Address})
	handle, err := s.nodes.Get(ctx, target.Address)
	if err != nil {
		return nil, err
	}

	session, err := s.obtainSession(ctx, target.Address, w)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("session", session.ID)

	reused := len(session.Machines) > 0
	if !reused {
		if err := handle.Clone(ctx, name, session.ID); err != nil {
			logger.WithError(err).Error("failed to clone unit")
			s.discard(ctx, handle, session.ID, false, logger)
			return nil, s.opFailed("clone", err)
		}
		machines, err := s.recordMachines(ctx, handle, session.ID)
		if err != nil {
			logger.WithError(err).Error("failed to record unit machines")
			s.discard(ctx, handle, session.ID, true, logger)
			return nil, err
		}
		session.Machines = machines
	}

	if err := handle.Start(ctx, session.ID); err != nil {
		logger.WithError(err).Error("failed to start unit")
		if reused {
			s.release(ctx, handle, session, logger)
		} else {
			s.discard(ctx, handle, session.ID, true, logger)
		}
		return nil, s.opFailed("start", err)
	}

	ports := session.Ports()
	if err := s.publisher.AddMapping(ctx, session.ID, target.Address, ports); err != nil {
		logger.WithError(err).Warn("failed to publish mapping")
	}

	s.metrics.SessionsStarted.WithLabelValues(name).Inc()
	logger.Info("workshop started")

	out := &Checkout{
		SessionID:   session.ID,
		NodeAddress: target.Address,
		Password:    session.Password,
		Endpoints:   make([]string, 0, len(ports)),
	}
	for _, p := range ports {
		out.Endpoints = append(out.Endpoints, mapping.Endpoint(session.ID, p))
	}
	return out, nil
}

// obtainSession marks the node's oldest pre-warmed session checked out, or
// records a new one. Callers hold the node lock.
func (s *Scheduler) obtainSession(ctx context.Context, address string, w *domain.Workshop) (*domain.Session, error) {
	n, err := s.store.GetNode(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", address, err)
	}

	if session := n.AvailableSession(w.Name); session != nil {
		session.Available = false
		session.StartedAt = s.now().UTC()
		if err := s.store.UpdateSession(ctx, *session); err != nil {
			return nil, fmt.Errorf("failed to check out session: %w", err)
		}
		return session, nil
	}

	session := s.newSession(address, w.Name, false)
	if err := s.store.InsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}
	return &session, nil
}

// recordMachines stores the machines of a freshly cloned unit
func (s *Scheduler) recordMachines(ctx context.Context, handle node.Handle, sessionID string) ([]domain.Machine, error) {
	machines, err := s.introspect(ctx, handle, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateMachines(ctx, sessionID, machines); err != nil {
		return nil, fmt.Errorf("failed to store machines: %w", err)
	}
	return machines, nil
}

// discard drops a session that could not be handed out, with the unit cloned
// for it. A unit that cannot be removed keeps its session record so the idle
// sweep retries the teardown.
func (s *Scheduler) discard(ctx context.Context, handle node.Handle, sessionID string, cloned bool, logger *log.Entry) {
	ctx = context.WithoutCancel(ctx)
	if cloned {
		if err := s.removeUnit(ctx, handle, sessionID); err != nil {
			logger.WithError(err).Error("failed to remove unit, session left for recycling")
			return
		}
	}
	if err := s.store.RemoveSession(ctx, sessionID); err != nil {
		logger.WithError(err).Error("failed to remove session")
	}
}

// release powers a pre-warmed unit back off and returns it to the pool
func (s *Scheduler) release(ctx context.Context, handle node.Handle, session *domain.Session, logger *log.Entry) {
	ctx = context.WithoutCancel(ctx)
	if err := handle.Halt(ctx, session.ID); err != nil {
		logger.WithError(err).Error("failed to power off unit, session left for recycling")
		return
	}
	session.Available = true
	if err := s.store.UpdateSession(ctx, *session); err != nil {
		logger.WithError(err).Error("failed to return session to the pool")
	}
}

// removeUnit powers off whatever still runs in the unit and deletes it
func (s *Scheduler) removeUnit(ctx context.Context, handle node.Handle, sessionID string) error {
	if err := handle.Halt(ctx, sessionID); err != nil {
		return s.opFailed("stop", err)
	}
	if err := handle.Remove(ctx, sessionID); err != nil {
		return s.opFailed("remove", err)
	}
	return nil
}

func (s *Scheduler) introspect(ctx context.Context, handle node.Handle, sessionID string) ([]domain.Machine, error) {
	units, err := handle.Introspect(ctx, sessionID)
	if err != nil {
		return nil, s.opFailed("introspect", err)
	}
	machines := make([]domain.Machine, 0, len(units))
	for _, u := range units {
		machines = append(machines, domain.Machine{Name: u.Name, Port: u.Port})
	}
	return machines, nil
}

// StopWorkshop tears down a checked-out session. When the node falls below
// the workshop's minimum the unit is restored into a new pre-warmed session,
// otherwise it is removed.
func (s *Scheduler) StopWorkshop(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}

	unlock := s.lockNode(session.NodeAddress)
	defer unlock()

	logger := s.log.WithFields(log.Fields{
		"workshop": session.Workshop,
		"node":     session.NodeAddress,
		"session":  sessionID,
	})
	handle, err := s.nodes.Get(ctx, session.NodeAddress)
	if err != nil {
		return err
	}

	// guests may have shut down or crashed on their own; only running machines are powered off
	if err := handle.Halt(ctx, sessionID); err != nil {
		logger.WithError(err).Error("failed to stop unit")
		return s.opFailed("stop", err)
	}

	if err := s.store.RemoveSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	if err := s.publisher.RemoveMapping(ctx, sessionID); err != nil {
		logger.WithError(err).Warn("failed to remove mapping")
	}

	if s.needsBackfill(ctx, session) {
		return s.backfill(ctx, handle, session, logger)
	}

	if err := handle.Remove(ctx, sessionID); err != nil {
		logger.WithError(err).Error("failed to remove unit")
		return s.opFailed("remove", err)
	}
	logger.Info("workshop stopped")
	return nil
}

func (s *Scheduler) needsBackfill(ctx context.Context, session *domain.Session) bool {
	w, err := s.store.GetWorkshop(ctx, session.Workshop)
	if err != nil {
		return false
	}
	n, err := s.store.GetNode(ctx, session.NodeAddress)
	if err != nil {
		return false
	}
	return n.CountByWorkshop(session.Workshop, false) < w.MinInstances
}

// backfill restores the stopped unit into a new available session. A unit
// that cannot be restored or recorded is removed.
func (s *Scheduler) backfill(ctx context.Context, handle node.Handle, old *domain.Session, logger *log.Entry) error {
	replacement := s.newSession(old.NodeAddress, old.Workshop, true)
	logger = logger.WithField("replacement", replacement.ID)

	if err := handle.Restore(ctx, old.ID, replacement.ID); err != nil {
		logger.WithError(err).Error("failed to restore unit")
		// machines may sit under either session after a partial restore
		for _, sid := range []string{old.ID, replacement.ID} {
			if rmErr := handle.Remove(context.WithoutCancel(ctx), sid); rmErr != nil {
				logger.WithError(rmErr).WithField("unit", sid).Warn("failed to remove unit after restore failure")
			}
		}
		return s.opFailed("restore", err)
	}
	machines, err := s.introspect(ctx, handle, replacement.ID)
	if err == nil {
		replacement.Machines = machines
		if err = s.store.InsertSession(ctx, replacement); err != nil {
			err = fmt.Errorf("failed to record replacement session: %w", err)
		}
	}
	if err != nil {
		logger.WithError(err).Error("failed to record restored unit")
		if rmErr := handle.Remove(context.WithoutCancel(ctx), replacement.ID); rmErr != nil {
			logger.WithError(rmErr).Error("failed to remove restored unit")
		}
		return err
	}
	logger.Info("workshop stopped, unit restored for reuse")
	return nil
}
