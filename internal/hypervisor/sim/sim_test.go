package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/remu/internal/hypervisor"
)

func openTest(t *testing.T) *Hypervisor {
	t.Helper()
	h, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestCloneAndLifecycle(t *testing.T) {
	h := openTest(t)
	ctx := context.Background()

	require.NoError(t, h.Create(ctx, Machine{Name: "kali", Group: "/Net101-Template", RemoteDisplay: true, Port: 3389}))
	require.NoError(t, h.Clone(ctx, "kali", "kali_s1", "/Net101-Units/s1"))

	names, err := h.Machines(ctx, "/Net101-Units/s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"kali_s1"}, names)

	groups, err := h.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/Net101-Template", "/Net101-Units/s1"}, groups)

	require.NoError(t, h.SetInternalNetwork(ctx, "kali_s1", 0, "ABCDEFGHIJ"))
	require.NoError(t, h.TakeSnapshot(ctx, "kali_s1", "Original"))

	require.NoError(t, h.Start(ctx, "kali_s1"))
	state, err := h.State(ctx, "kali_s1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateRunning, state)
	assert.Error(t, h.Start(ctx, "kali_s1"))
	assert.Error(t, h.Delete(ctx, "kali_s1"))

	require.NoError(t, h.SetActive(ctx, "kali_s1", true))
	active, err := h.RemoteDisplayActive(ctx, "kali_s1")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, h.SaveState(ctx, "kali_s1"))
	state, err = h.State(ctx, "kali_s1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateSaved, state)
	active, err = h.RemoteDisplayActive(ctx, "kali_s1")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, h.RestoreSnapshot(ctx, "kali_s1", "Original"))
	state, err = h.State(ctx, "kali_s1")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StatePoweredOff, state)

	require.NoError(t, h.Rename(ctx, "kali_s1", "kali_s2"))
	require.NoError(t, h.SetGroup(ctx, "kali_s2", "/Net101-Units/s2"))
	_, err = h.Get(ctx, "kali_s1")
	assert.ErrorIs(t, err, hypervisor.ErrMachineNotFound)

	m, err := h.Get(ctx, "kali_s2")
	require.NoError(t, err)
	assert.Equal(t, "/Net101-Units/s2", m.Group)
	assert.Equal(t, "ABCDEFGHIJ", m.Networks[0])

	require.NoError(t, h.Delete(ctx, "kali_s2"))
	all, err := h.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInjectFault(t *testing.T) {
	h := openTest(t)
	ctx := context.Background()
	require.NoError(t, h.Create(ctx, Machine{Name: "kali", Group: "/T"}))

	boom := errors.New("disk full")
	h.InjectFault(OpClone, "kali_s1", boom)
	err := h.Clone(ctx, "kali", "kali_s1", "/U")
	assert.ErrorIs(t, err, boom)

	h.InjectFault(OpStart, AnyMachine, nil)
	assert.ErrorIs(t, h.Start(ctx, "kali"), ErrInjected)

	h.ClearFaults()
	require.NoError(t, h.Clone(ctx, "kali", "kali_s1", "/U"))
	require.NoError(t, h.Start(ctx, "kali"))
}

func TestLatencyRespectsContext(t *testing.T) {
	h := openTest(t)
	require.NoError(t, h.Create(context.Background(), Machine{Name: "kali", Group: "/T"}))

	h.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.State(ctx, "kali")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestImport(t *testing.T) {
	h := openTest(t)
	ctx := context.Background()

	names, err := h.Import(ctx, "/srv/templates/net101/router.ova")
	require.NoError(t, err)
	assert.Equal(t, []string{"router"}, names)

	_, err = h.Import(ctx, "/srv/templates/net101/router.ova")
	assert.Error(t, err)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	h, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, h.Create(ctx, Machine{Name: "kali", Group: "/T"}))
	require.NoError(t, h.Close())
	assert.Error(t, h.Ping(ctx))

	h, err = Open(dir)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Ping(ctx))

	m, err := h.Get(ctx, "kali")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StatePoweredOff, m.State)
}
