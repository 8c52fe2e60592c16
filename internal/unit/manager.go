package unit

import (
	"context"
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/hypervisor"
	"github.com/jbweber/homelab/remu/internal/monitor"
)

// BaselineSnapshot is the snapshot every clone is restored to
const BaselineSnapshot = "Original"

const (
	templateSuffix = "-Template"
	unitsSuffix    = "-Units"
	networkNameLen = 10
)

// TemplateGroup returns the hypervisor group holding a workshop's template machines
func TemplateGroup(workshop string) string {
	return "/" + workshop + templateSuffix
}

// UnitGroup returns the hypervisor group holding one session's unit
func UnitGroup(workshop, sessionID string) string {
	return "/" + workshop + unitsSuffix + "/" + sessionID
}

func workshopFromTemplateGroup(group string) (string, bool) {
	if !strings.HasPrefix(group, "/") || !strings.HasSuffix(group, templateSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(group[1:], templateSuffix)
	return name, name != "" && !strings.Contains(name, "/")
}

// sessionFromUnitGroup extracts the session id from /<workshop>-Units/<sid>
func sessionFromUnitGroup(group string) (string, bool) {
	idx := strings.LastIndex(group, "/")
	if idx <= 0 || !strings.HasSuffix(group[:idx], unitsSuffix) {
		return "", false
	}
	sid := group[idx+1:]
	return sid, sid != ""
}

// Manager runs the unit lifecycle on one node
type Manager struct {
	driver   hypervisor.Driver
	catalog  *Catalog
	sampler  monitor.Sampler
	log      *log.Entry
	freePort func() (int, error)
}

// NewManager creates a lifecycle manager. A nil catalog behaves as an empty one.
func NewManager(driver hypervisor.Driver, catalog *Catalog, sampler monitor.Sampler) *Manager {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Manager{
		driver:   driver,
		catalog:  catalog,
		sampler:  sampler,
		log:      log.WithField("component", "unit"),
		freePort: freePort,
	}
}

// freePort asks the OS for an unused TCP port
func freePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func opFailed(op, machine string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrOperationFailed, op, machine, err)
}

// Clone materialises a new unit for sessionID from the workshop's template.
// Machines cloned before a failing step are deleted before returning.
func (m *Manager) Clone(ctx context.Context, workshop, sessionID string) (err error) {
	template := TemplateGroup(workshop)
	unit := UnitGroup(workshop, sessionID)
	logger := m.log.WithFields(log.Fields{"unit": unit, "template": template})

	groups, err := m.driver.Groups(ctx)
	if err != nil {
		return opFailed("list groups", template, err)
	}
	if !contains(groups, template) {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, template)
	}
	if _, err := m.findUnit(groups, sessionID); err == nil {
		return fmt.Errorf("%w: unit for session %s already exists", ErrInvalidState, sessionID)
	}

	sources, err := m.driver.Machines(ctx, template)
	if err != nil {
		return opFailed("list machines", template, err)
	}
	if len(sources) == 0 {
		return fmt.Errorf("%w: %s has no machines", ErrTemplateNotFound, template)
	}

	settings, _ := m.catalog.Get(workshop)
	baseNetwork := domain.RandomToken(networkNameLen)

	var created []string
	defer func() {
		if err == nil {
			return
		}
		m.rollback(context.WithoutCancel(ctx), logger, created)
	}()

	logger.Info("cloning unit")
	for _, source := range sources {
		name := source + "_" + sessionID
		mlog := logger.WithField("machine", name)

		if err := m.driver.Clone(ctx, source, name, unit); err != nil {
			mlog.WithError(err).Error("clone failed")
			return opFailed("clone", name, err)
		}
		created = append(created, name)

		vm, _ := settings.VM(source)
		if len(vm.InternalNetworks) > 0 {
			for i, prefix := range vm.InternalNetworks {
				if err := m.driver.SetInternalNetwork(ctx, name, i, prefix+baseNetwork); err != nil {
					return opFailed("attach network", name, err)
				}
			}
		} else if err := m.driver.SetInternalNetwork(ctx, name, 0, baseNetwork); err != nil {
			return opFailed("attach network", name, err)
		}

		enabled, _, err := m.driver.RemoteDisplay(ctx, name)
		if err != nil {
			return opFailed("read remote display", name, err)
		}
		port := domain.RemoteDisplayDisabled
		if enabled {
			if port, err = m.freePort(); err != nil {
				return opFailed("allocate port", name, err)
			}
		}
		if err := m.driver.SetRemoteDisplayPort(ctx, name, port); err != nil {
			return opFailed("set remote display port", name, err)
		}

		if err := m.driver.TakeSnapshot(ctx, name, BaselineSnapshot); err != nil {
			return opFailed("snapshot", name, err)
		}
		mlog.WithField("port", port).Info("machine cloned")
	}
	return nil
}

// rollback deletes partially created clones, powering them off first if needed
func (m *Manager) rollback(ctx context.Context, logger *log.Entry, created []string) {
	for _, name := range created {
		mlog := logger.WithField("machine", name)
		if state, err := m.driver.State(ctx, name); err == nil && state == hypervisor.StateRunning {
			if err := m.driver.PowerOff(ctx, name); err != nil {
				mlog.WithError(err).Warn("rollback power off failed")
			}
		}
		if err := m.driver.Delete(ctx, name); err != nil {
			mlog.WithError(err).Error("rollback delete failed")
			continue
		}
		mlog.Info("rolled back clone")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Manager) findUnit(groups []string, sessionID string) (string, error) {
	for _, g := range groups {
		if sid, ok := sessionFromUnitGroup(g); ok && sid == sessionID {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: session %s", ErrUnitNotFound, sessionID)
}

// unitMachines resolves a session's unit group and its machines
func (m *Manager) unitMachines(ctx context.Context, sessionID string) (string, []string, error) {
	groups, err := m.driver.Groups(ctx)
	if err != nil {
		return "", nil, opFailed("list groups", sessionID, err)
	}
	unit, err := m.findUnit(groups, sessionID)
	if err != nil {
		return "", nil, err
	}
	machines, err := m.driver.Machines(ctx, unit)
	if err != nil {
		return "", nil, opFailed("list machines", unit, err)
	}
	return unit, machines, nil
}

// transition verifies every machine of the unit satisfies accept, then applies step to each in turn
func (m *Manager) transition(ctx context.Context, op, sessionID string, accept func(hypervisor.State) bool, step func(ctx context.Context, machine string) error) error {
	unit, machines, err := m.unitMachines(ctx, sessionID)
	if err != nil {
		return err
	}
	logger := m.log.WithFields(log.Fields{"unit": unit, "op": op})

	for _, name := range machines {
		state, err := m.driver.State(ctx, name)
		if err != nil {
			return opFailed("read state", name, err)
		}
		if !accept(state) {
			logger.WithFields(log.Fields{"machine": name, "state": state}).Error("machine not in required state")
			return fmt.Errorf("%w: %s %s is %s", ErrInvalidState, op, name, state)
		}
	}

	logger.Info("unit transition")
	for _, name := range machines {
		mlog := logger.WithField("machine", name)
		if err := step(ctx, name); err != nil {
			mlog.WithError(err).Error("machine transition failed")
			return opFailed(op, name, err)
		}
		mlog.Info("machine transition done")
	}
	return nil
}

func isRunning(s hypervisor.State) bool { return s == hypervisor.StateRunning }

// Start powers on every machine of the unit headless. Machines already started
// stay running when a later one fails.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	return m.transition(ctx, "start", sessionID, hypervisor.State.Stopped, m.driver.Start)
}

// Save saves the state of every running machine of the unit
func (m *Manager) Save(ctx context.Context, sessionID string) error {
	return m.transition(ctx, "save", sessionID, isRunning, m.driver.SaveState)
}

// Stop powers off every running machine of the unit without saving
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	return m.transition(ctx, "stop", sessionID, isRunning, m.driver.PowerOff)
}

// Halt powers off the machines of the unit that are still running or paused
// and leaves the rest alone, so a unit whose guests shut down on their own or
// crashed ends up stopped without error.
func (m *Manager) Halt(ctx context.Context, sessionID string) error {
	unit, machines, err := m.unitMachines(ctx, sessionID)
	if err != nil {
		return err
	}
	logger := m.log.WithFields(log.Fields{"unit": unit, "op": "halt"})

	for _, name := range machines {
		mlog := logger.WithField("machine", name)
		state, err := m.driver.State(ctx, name)
		if err != nil {
			return opFailed("read state", name, err)
		}
		if state.Stopped() {
			mlog.WithField("state", state).Debug("machine already stopped")
			continue
		}
		if err := m.driver.PowerOff(ctx, name); err != nil {
			mlog.WithError(err).Error("machine transition failed")
			return opFailed("halt", name, err)
		}
		mlog.Info("machine transition done")
	}
	return nil
}

// Remove deletes every machine of a stopped unit with its storage
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	return m.transition(ctx, "remove", sessionID, hypervisor.State.Stopped, m.driver.Delete)
}

// Restore reverts a stopped unit to its baseline snapshot and moves it under newSessionID
func (m *Manager) Restore(ctx context.Context, sessionID, newSessionID string) error {
	groups, err := m.driver.Groups(ctx)
	if err != nil {
		return opFailed("list groups", sessionID, err)
	}
	unit, err := m.findUnit(groups, sessionID)
	if err != nil {
		return err
	}
	target := regroupForSession(unit, newSessionID)

	return m.transition(ctx, "restore", sessionID, hypervisor.State.Stopped, func(ctx context.Context, name string) error {
		if err := m.driver.RestoreSnapshot(ctx, name, BaselineSnapshot); err != nil {
			return err
		}
		newName := renameForSession(name, newSessionID)
		if err := m.driver.Rename(ctx, name, newName); err != nil {
			return err
		}
		return m.driver.SetGroup(ctx, newName, target)
	})
}

// renameForSession replaces everything after the last underscore with sessionID
func renameForSession(name, sessionID string) string {
	return name[:strings.LastIndex(name, "_")+1] + sessionID
}

// regroupForSession replaces the last path element with sessionID
func regroupForSession(group, sessionID string) string {
	return group[:strings.LastIndex(group, "/")+1] + sessionID
}

// Introspect lists the unit's machines with their remote display ports
func (m *Manager) Introspect(ctx context.Context, sessionID string) ([]domain.UnitMachine, error) {
	_, machines, err := m.unitMachines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UnitMachine, 0, len(machines))
	for _, name := range machines {
		enabled, port, err := m.driver.RemoteDisplay(ctx, name)
		if err != nil {
			return nil, opFailed("read remote display", name, err)
		}
		if !enabled {
			port = domain.RemoteDisplayDisabled
		}
		out = append(out, domain.UnitMachine{Name: name, Port: port})
	}
	return out, nil
}

// Workshops lists the workshops that have a template group on this node
func (m *Manager) Workshops(ctx context.Context) ([]string, error) {
	groups, err := m.driver.Groups(ctx)
	if err != nil {
		return nil, opFailed("list groups", "", err)
	}
	var names []string
	for _, g := range groups {
		if name, ok := workshopFromTemplateGroup(g); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Status samples the node's resources and the state of every unit machine.
// Machines that cannot be read are left out of the report.
func (m *Manager) Status(ctx context.Context) (domain.NodeStatus, error) {
	status := domain.NodeStatus{Sessions: make(map[string][]domain.MachineStatus)}

	if m.sampler != nil {
		gauges, err := m.sampler.Sample(ctx)
		if err != nil {
			m.log.WithError(err).Warn("resource sampling failed")
		} else {
			status.Gauges = &gauges
		}
	}

	groups, err := m.driver.Groups(ctx)
	if err != nil {
		return domain.NodeStatus{}, opFailed("list groups", "", err)
	}
	for _, g := range groups {
		sid, ok := sessionFromUnitGroup(g)
		if !ok {
			continue
		}
		machines, err := m.driver.Machines(ctx, g)
		if err != nil {
			m.log.WithError(err).WithField("unit", g).Warn("listing unit machines failed")
			continue
		}
		stats := make([]domain.MachineStatus, 0, len(machines))
		for _, name := range machines {
			st, err := m.machineStatus(ctx, name)
			if err != nil {
				m.log.WithError(err).WithField("machine", name).Warn("reading machine status failed")
				continue
			}
			stats = append(stats, st)
		}
		status.Sessions[sid] = stats
	}
	return status, nil
}

func (m *Manager) machineStatus(ctx context.Context, name string) (domain.MachineStatus, error) {
	state, err := m.driver.State(ctx, name)
	if err != nil {
		return domain.MachineStatus{}, err
	}
	enabled, _, err := m.driver.RemoteDisplay(ctx, name)
	if err != nil {
		return domain.MachineStatus{}, err
	}
	st := domain.MachineStatus{Name: name, State: string(state), RemoteDisplayEnabled: enabled}
	if enabled && state == hypervisor.StateRunning {
		if st.RemoteDisplayActive, err = m.driver.RemoteDisplayActive(ctx, name); err != nil {
			return domain.MachineStatus{}, err
		}
	}
	return st, nil
}
