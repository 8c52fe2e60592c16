package scheduler

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/background"
	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/node"
	"github.com/jbweber/homelab/remu/internal/repository"
)

// Run drives Sweep every PollInterval until ctx is cancelled. Passes never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	runner := &background.Runner{
		Name:   "recycle",
		Period: s.opts.PollInterval,
		Func:   s.Sweep,
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	runner.Stop()
	return nil
}

// Sweep polls every node, writes the status back to the store, marks idle
// checked-out sessions and stops those idle for longer than RecycleDelay
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list nodes")
		return
	}

	known := make(map[string]*domain.Session)
	for _, n := range nodes {
		if ctx.Err() != nil {
			return
		}
		s.poll(ctx, n)
		for id, session := range n.Sessions {
			known[id] = session
		}
	}

	now := s.now()
	for id := range s.candidates {
		if _, ok := known[id]; !ok {
			delete(s.candidates, id)
		}
	}
	for id, session := range known {
		if session.Available || !session.Idle() {
			delete(s.candidates, id)
			continue
		}
		if _, ok := s.candidates[id]; !ok {
			s.log.WithField("session", id).Debug("session idle, marked for recycling")
			s.candidates[id] = now
		}
	}

	for id, since := range s.candidates {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(since) <= s.opts.RecycleDelay {
			continue
		}
		delete(s.candidates, id)
		s.recycle(ctx, known[id])
	}
}

// poll refreshes one node's gauges and its sessions' machine states in place
func (s *Scheduler) poll(ctx context.Context, n *domain.Node) {
	logger := s.log.WithField("node", n.Address)
	handle, err := s.nodes.Get(ctx, n.Address)
	if err != nil {
		logger.WithError(err).Warn("no handle for node")
		return
	}
	status, err := handle.Status(ctx)
	if err != nil {
		logger.WithError(err).Warn("status poll failed")
		return
	}

	if status.Gauges != nil {
		g := *status.Gauges
		if err := s.store.UpdateNodeGauges(ctx, n.Address, g, s.now().UTC()); err != nil {
			logger.WithError(err).Warn("failed to store gauges")
		}
		n.Gauges = &g
		s.metrics.observeGauges(n.Address, g)
	}

	if len(status.Sessions) == 0 {
		return
	}
	unlock := s.lockNode(n.Address)
	defer unlock()
	for id, session := range n.Sessions {
		reported, ok := status.Sessions[id]
		if !ok || len(session.Machines) == 0 {
			continue
		}
		// re-read under the lock: the session may have been stopped or
		// checked out since the node was listed
		current, err := s.store.GetSession(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				logger.WithError(err).WithField("session", id).Warn("failed to reload session")
			}
			delete(n.Sessions, id)
			continue
		}
		byName := make(map[string]domain.MachineStatus, len(reported))
		for _, m := range reported {
			byName[m.Name] = m
		}
		for i := range current.Machines {
			m := &current.Machines[i]
			if st, ok := byName[m.Name]; ok {
				m.State = st.State
				m.Active = st.RemoteDisplayActive
			}
		}
		if err := s.store.UpdateMachines(ctx, id, current.Machines); err != nil {
			logger.WithError(err).WithField("session", id).Warn("failed to store machine status")
		}
		n.Sessions[id] = current
	}
}

func (s *Scheduler) recycle(ctx context.Context, session *domain.Session) {
	logger := s.log.WithFields(log.Fields{"session": session.ID, "workshop": session.Workshop})
	if err := s.StopWorkshop(ctx, session.ID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			logger.Debug("session already gone")
			return
		}
		logger.WithError(err).Error("failed to recycle session")
		return
	}
	s.metrics.SessionsRecycled.WithLabelValues(session.Workshop).Inc()
	logger.Info("idle session recycled")
}

// Prewarm clones available units until every enabled workshop has
// MinInstances of them on each node offering its template, without
// exceeding MaxInstances overall
func (s *Scheduler) Prewarm(ctx context.Context) error {
	workshops, err := s.store.ListWorkshops(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range workshops {
		if !w.Enabled || w.MinInstances == 0 {
			continue
		}
		if err := s.prewarmWorkshop(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) prewarmWorkshop(ctx context.Context, w domain.Workshop) error {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range nodes {
		total += n.CountByWorkshop(w.Name, false)
	}

	for _, n := range nodes {
		logger := s.log.WithFields(log.Fields{"workshop": w.Name, "node": n.Address})
		handle, err := s.nodes.Get(ctx, n.Address)
		if err != nil {
			logger.WithError(err).Warn("no handle for node")
			continue
		}
		offered, err := handle.Workshops(ctx)
		if err != nil {
			logger.WithError(err).Warn("failed to list node templates")
			continue
		}
		if !contains(offered, w.Name) {
			logger.Debug("node has no template for workshop")
			continue
		}

		for available := n.CountByWorkshop(w.Name, true); available < w.MinInstances; available++ {
			if total >= w.MaxInstances {
				logger.Info("instance cap reached, prewarm stopped")
				return nil
			}
			if err := s.prewarmOne(ctx, handle, n.Address, w.Name); err != nil {
				return err
			}
			total++
		}
	}
	return nil
}

func (s *Scheduler) prewarmOne(ctx context.Context, handle node.Handle, address, workshop string) error {
	unlock := s.lockNode(address)
	defer unlock()

	session := s.newSession(address, workshop, true)
	logger := s.log.WithFields(log.Fields{"workshop": workshop, "node": address, "session": session.ID})

	if err := handle.Clone(ctx, workshop, session.ID); err != nil {
		logger.WithError(err).Error("failed to prewarm unit")
		return s.opFailed("clone", err)
	}
	machines, err := s.introspect(ctx, handle, session.ID)
	if err == nil {
		session.Machines = machines
		err = s.store.InsertSession(ctx, session)
	}
	if err != nil {
		logger.WithError(err).Error("failed to record prewarmed unit")
		if rmErr := handle.Remove(context.WithoutCancel(ctx), session.ID); rmErr != nil {
			logger.WithError(rmErr).Error("failed to remove prewarmed unit")
		}
		return err
	}
	logger.Info("unit prewarmed")
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
