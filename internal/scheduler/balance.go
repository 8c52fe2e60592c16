package scheduler

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// Limits are per-node usage ceilings in percent. A zero limit is not checked.
type Limits struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// exceeded names the first resource at or over its limit
func (l Limits) exceeded(g domain.ResourceGauges) (string, bool) {
	switch {
	case l.CPU > 0 && g.CPU >= l.CPU:
		return "cpu", true
	case l.Memory > 0 && g.Memory >= l.Memory:
		return "mem", true
	case l.Disk > 0 && g.Disk >= l.Disk:
		return "hdd", true
	}
	return "", false
}

// loadBalance picks the node for a checkout of w. Nodes are considered in the
// order given: first one with a pre-warmed session, otherwise the least
// loaded one provided the workshop is under its cap and the node under its limits.
func (s *Scheduler) loadBalance(w *domain.Workshop, nodes []*domain.Node) (*domain.Node, error) {
	logger := s.log.WithField("workshop", w.Name)
	if len(nodes) == 0 {
		logger.Info("no nodes registered")
		return nil, fmt.Errorf("%w: no nodes registered", ErrNoCapacity)
	}

	for _, n := range nodes {
		if n.CountByWorkshop(w.Name, true) > 0 {
			return n, nil
		}
	}

	total := 0
	for _, n := range nodes {
		total += n.CountByWorkshop(w.Name, false)
	}
	if total >= w.MaxInstances {
		logger.WithFields(log.Fields{"instances": total, "max": w.MaxInstances}).Info("instance cap reached")
		return nil, fmt.Errorf("%w: %s has %d of %d instances", ErrNoCapacity, w.Name, total, w.MaxInstances)
	}

	least := nodes[0]
	for _, n := range nodes[1:] {
		if n.CountSessions() < least.CountSessions() {
			least = n
		}
	}

	nlog := logger.WithField("node", least.Address)
	if least.Gauges == nil {
		if s.opts.StrictTelemetry {
			nlog.Info("no telemetry for node")
			return nil, fmt.Errorf("%w: no telemetry for %s", ErrNoCapacity, least.Address)
		}
		nlog.Warn("no telemetry for node, skipping resource check")
		return least, nil
	}
	if resource, over := s.opts.Limits.exceeded(*least.Gauges); over {
		nlog.WithField("resource", resource).Info("node over resource limit")
		return nil, fmt.Errorf("%w: %s over %s limit", ErrNoCapacity, least.Address, resource)
	}
	return least, nil
}
