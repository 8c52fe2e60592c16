package unit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/hypervisor"
	"github.com/jbweber/homelab/remu/internal/hypervisor/sim"
	"github.com/jbweber/homelab/remu/internal/monitor"
)

var net101 = Template{
	Name: "Net101",
	VMs: []TemplateVM{
		{Name: "kali", InternalNetworks: []string{"lan", "dmz"}},
		{Name: "router"},
	},
}

func newTestManager(t *testing.T) (*Manager, *sim.Hypervisor) {
	t.Helper()
	ctx := context.Background()

	h, err := sim.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.NoError(t, h.Create(ctx, sim.Machine{Name: "kali", Group: TemplateGroup("Net101"), RemoteDisplay: true, Port: 3389}))
	require.NoError(t, h.Create(ctx, sim.Machine{Name: "router", Group: TemplateGroup("Net101")}))

	m := NewManager(h, NewCatalog(net101), monitor.Static{CPU: 10, Memory: 20, Disk: 30})
	port := 40000
	m.freePort = func() (int, error) {
		port++
		return port, nil
	}
	return m, h
}

func machineNames(t *testing.T, h *sim.Hypervisor) []string {
	t.Helper()
	all, err := h.All(context.Background())
	require.NoError(t, err)
	var names []string
	for _, m := range all {
		names = append(names, m.Name)
	}
	return names
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "/Net101-Template", TemplateGroup("Net101"))
	assert.Equal(t, "/Net101-Units/S1", UnitGroup("Net101", "S1"))

	name, ok := workshopFromTemplateGroup("/Net101-Template")
	assert.True(t, ok)
	assert.Equal(t, "Net101", name)
	_, ok = workshopFromTemplateGroup("/Net101-Units/S1")
	assert.False(t, ok)

	sid, ok := sessionFromUnitGroup("/Net101-Units/S1")
	assert.True(t, ok)
	assert.Equal(t, "S1", sid)
	_, ok = sessionFromUnitGroup("/Net101-Template")
	assert.False(t, ok)

	assert.Equal(t, "kali_S2", renameForSession("kali_S1", "S2"))
	assert.Equal(t, "my_kali_S2", renameForSession("my_kali_S1", "S2"))
	assert.Equal(t, "/Net101-Units/S2", regroupForSession("/Net101-Units/S1", "S2"))
}

func TestManager_Clone(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)

	require.NoError(t, m.Clone(ctx, "Net101", "S1"))

	kali, err := h.Get(ctx, "kali_S1")
	require.NoError(t, err)
	assert.Equal(t, "/Net101-Units/S1", kali.Group)
	assert.Equal(t, hypervisor.StatePoweredOff, kali.State)
	assert.Equal(t, 40001, kali.Port)
	require.Len(t, kali.Networks, 2)
	assert.True(t, strings.HasPrefix(kali.Networks[0], "lan"))
	assert.True(t, strings.HasPrefix(kali.Networks[1], "dmz"))
	assert.Equal(t, strings.TrimPrefix(kali.Networks[0], "lan"), strings.TrimPrefix(kali.Networks[1], "dmz"))
	assert.Contains(t, kali.Snapshots, BaselineSnapshot)

	router, err := h.Get(ctx, "router_S1")
	require.NoError(t, err)
	assert.Equal(t, domain.RemoteDisplayDisabled, router.Port)
	require.Len(t, router.Networks, 1)
	assert.Equal(t, strings.TrimPrefix(kali.Networks[0], "lan"), router.Networks[0])
	assert.Contains(t, router.Snapshots, BaselineSnapshot)
}

func TestManager_CloneTemplateNotFound(t *testing.T) {
	m, h := newTestManager(t)

	err := m.Clone(context.Background(), "Web200", "S1")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.ElementsMatch(t, []string{"kali", "router"}, machineNames(t, h))
}

func TestManager_CloneExistingSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.Clone(ctx, "Net101", "S1"))
	assert.ErrorIs(t, m.Clone(ctx, "Net101", "S1"), ErrOperationFailed)
}

func TestManager_CloneRollback(t *testing.T) {
	for _, op := range []sim.Op{sim.OpClone, sim.OpNetwork, sim.OpDisplay, sim.OpSnapshot} {
		for _, machine := range []string{"kali_S1", "router_S1"} {
			t.Run(string(op)+"/"+machine, func(t *testing.T) {
				m, h := newTestManager(t)
				h.InjectFault(op, machine, nil)

				err := m.Clone(context.Background(), "Net101", "S1")
				assert.ErrorIs(t, err, ErrOperationFailed)
				assert.ErrorIs(t, err, sim.ErrInjected)
				assert.ElementsMatch(t, []string{"kali", "router"}, machineNames(t, h))
			})
		}
	}
}

// cancelOnSnapshot cancels the caller's context when the named machine is snapshotted
type cancelOnSnapshot struct {
	hypervisor.Driver
	machine string
	cancel  context.CancelFunc
}

func (d cancelOnSnapshot) TakeSnapshot(ctx context.Context, machine, name string) error {
	if machine == d.machine {
		d.cancel()
		return ctx.Err()
	}
	return d.Driver.TakeSnapshot(ctx, machine, name)
}

func TestManager_CloneRollbackIgnoresCancel(t *testing.T) {
	m, h := newTestManager(t)
	h.SetLatency(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.driver = cancelOnSnapshot{Driver: h, machine: "router_S1", cancel: cancel}

	err := m.Clone(ctx, "Net101", "S1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []string{"kali", "router"}, machineNames(t, h))
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))

	// Only running units can be saved or stopped
	assert.ErrorIs(t, m.Save(ctx, "S1"), ErrInvalidState)
	assert.ErrorIs(t, m.Stop(ctx, "S1"), ErrInvalidState)

	require.NoError(t, m.Start(ctx, "S1"))
	assert.ErrorIs(t, m.Start(ctx, "S1"), ErrInvalidState)
	assert.ErrorIs(t, m.Remove(ctx, "S1"), ErrInvalidState)
	assert.ErrorIs(t, m.Restore(ctx, "S1", "S2"), ErrInvalidState)

	require.NoError(t, m.Save(ctx, "S1"))
	state, err := h.State(ctx, "kali_S1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateSaved, state)

	require.NoError(t, m.Start(ctx, "S1"))
	require.NoError(t, m.Stop(ctx, "S1"))
	state, err = h.State(ctx, "router_S1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StatePoweredOff, state)

	require.NoError(t, m.Remove(ctx, "S1"))
	assert.ElementsMatch(t, []string{"kali", "router"}, machineNames(t, h))
}

func TestManager_UnknownUnit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	assert.ErrorIs(t, m.Start(ctx, "nope"), ErrUnitNotFound)
	assert.ErrorIs(t, m.Remove(ctx, "nope"), ErrOperationFailed)
	assert.ErrorIs(t, m.Restore(ctx, "nope", "S2"), ErrUnitNotFound)
	_, err := m.Introspect(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestManager_StartPartialFailure(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))
	h.InjectFault(sim.OpStart, "router_S1", nil)

	err := m.Start(ctx, "S1")
	assert.ErrorIs(t, err, ErrOperationFailed)

	state, err := h.State(ctx, "kali_S1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateRunning, state)
}

func TestManager_HaltMixedStates(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))
	require.NoError(t, m.Start(ctx, "S1"))

	// the kali guest shut itself down, the router process crashed
	require.NoError(t, h.SetState(ctx, "kali_S1", hypervisor.StatePoweredOff))
	require.NoError(t, h.SetState(ctx, "router_S1", hypervisor.StateAborted))
	assert.ErrorIs(t, m.Stop(ctx, "S1"), ErrInvalidState)

	require.NoError(t, m.Halt(ctx, "S1"))
	require.NoError(t, m.Remove(ctx, "S1"))
	assert.ElementsMatch(t, []string{"kali", "router"}, machineNames(t, h))
}

func TestManager_HaltPowersOffRunning(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))

	// already stopped: nothing to do
	require.NoError(t, m.Halt(ctx, "S1"))

	require.NoError(t, m.Start(ctx, "S1"))
	require.NoError(t, h.SetState(ctx, "router_S1", hypervisor.StatePaused))
	require.NoError(t, m.Halt(ctx, "S1"))
	for _, name := range []string{"kali_S1", "router_S1"} {
		state, err := h.State(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, hypervisor.StatePoweredOff, state, name)
	}

	require.NoError(t, m.Start(ctx, "S1"))
	h.InjectFault(sim.OpPowerOff, "router_S1", nil)
	assert.ErrorIs(t, m.Halt(ctx, "S1"), ErrOperationFailed)
	assert.ErrorIs(t, m.Halt(ctx, "nope"), ErrUnitNotFound)
}

func TestManager_Restore(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))
	require.NoError(t, m.Start(ctx, "S1"))
	require.NoError(t, m.Stop(ctx, "S1"))

	require.NoError(t, m.Restore(ctx, "S1", "S2"))
	assert.ElementsMatch(t, []string{"kali", "router", "kali_S2", "router_S2"}, machineNames(t, h))

	for _, name := range []string{"kali_S2", "router_S2"} {
		vm, err := h.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "/Net101-Units/S2", vm.Group)
		assert.Equal(t, hypervisor.StatePoweredOff, vm.State)
	}

	units, err := m.Introspect(ctx, "S2")
	require.NoError(t, err)
	assert.Len(t, units, 2)
	_, err = m.Introspect(ctx, "S1")
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestManager_Introspect(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))

	units, err := m.Introspect(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UnitMachine{
		{Name: "kali_S1", Port: 40001},
		{Name: "router_S1", Port: domain.RemoteDisplayDisabled},
	}, units)
}

func TestManager_Workshops(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, h.Create(ctx, sim.Machine{Name: "web", Group: "/Web200-Template"}))
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))

	names, err := m.Workshops(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Net101", "Web200"}, names)
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	m, h := newTestManager(t)
	require.NoError(t, m.Clone(ctx, "Net101", "S1"))
	require.NoError(t, m.Start(ctx, "S1"))
	require.NoError(t, h.SetActive(ctx, "kali_S1", true))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Gauges)
	assert.Equal(t, domain.ResourceGauges{CPU: 10, Memory: 20, Disk: 30}, *status.Gauges)
	assert.Equal(t, []domain.MachineStatus{
		{Name: "kali_S1", State: "running", RemoteDisplayEnabled: true, RemoteDisplayActive: true},
		{Name: "router_S1", State: "running"},
	}, status.Sessions["S1"])
	assert.Len(t, status.Sessions, 1)
}

type failingSampler struct{}

func (failingSampler) Sample(ctx context.Context) (domain.ResourceGauges, error) {
	return domain.ResourceGauges{}, assert.AnError
}

func TestManager_StatusWithoutGauges(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.sampler = failingSampler{}

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status.Gauges)
	assert.Empty(t, status.Sessions)
}
