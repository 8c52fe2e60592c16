package hypervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner answers VBoxManage invocations from a table keyed by the joined args
type fakeRunner struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	return []byte(f.responses[key]), nil
}

func newFake() *fakeRunner {
	return &fakeRunner{responses: map[string]string{}, failures: map[string]error{}}
}

const kaliInfo = `name="kali_abc"
groups="/Net101-Units/abc"
VMState="running"
vrde="on"
vrdeports="50001"
VRDEActiveConnection="on"
"NIC 1 Rule(0)"="ssh,tcp,,2222,,22"
`

const routerInfo = `name="router"
groups="/Net101-Template"
VMState="poweroff"
vrde="off"
vrdeports="3389"
`

func TestVBoxManage_Groups(t *testing.T) {
	f := newFake()
	f.responses["list groups"] = "\"/\"\n\"/Net101-Template\"\n\"/Net101-Units/abc\"\n"

	groups, err := NewVBoxManage("", f.run).Groups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/Net101-Template", "/Net101-Units/abc"}, groups)
}

const longList = `Name:                        router
Encryption:     disabled
Groups:                      /Net101-Template
Guest OS:                    Debian (64-bit)
UUID:                        1111
State:                       powered off (since 2026-10-01T09:00:00.000000000)

Snapshots:

   Name: Original (UUID: 9999)

Name:                        kali_abc
Groups:                      /Net101-Units/abc,/Lab
Guest OS:                    Other Linux (64-bit)
UUID:                        2222
Name: 'share', Host path: '/srv/share' (machine mapping), writable

Name:                        stray
Guest OS:                    Other Linux (64-bit)
`

func TestVBoxManage_Machines(t *testing.T) {
	f := newFake()
	f.responses["list -l vms"] = longList

	v := NewVBoxManage("VBoxManage", f.run)
	members, err := v.Machines(context.Background(), "/Net101-Units/abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"kali_abc"}, members)

	members, err = v.Machines(context.Background(), "/Lab")
	require.NoError(t, err)
	assert.Equal(t, []string{"kali_abc"}, members)

	members, err = v.Machines(context.Background(), "/Net101-Template")
	require.NoError(t, err)
	assert.Equal(t, []string{"router"}, members)

	// one listing per call, no per-machine showvminfo
	assert.Equal(t, []string{"list -l vms", "list -l vms", "list -l vms"}, f.calls)
}

func TestParseLongList_IgnoresNestedNames(t *testing.T) {
	membership, err := parseLongList([]byte(longList))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"router":   {"/Net101-Template"},
		"kali_abc": {"/Net101-Units/abc", "/Lab"},
	}, membership)
}

func TestVBoxManage_ShowInfoParsing(t *testing.T) {
	f := newFake()
	f.responses["showvminfo kali_abc --machinereadable"] = kaliInfo
	f.responses["showvminfo router --machinereadable"] = routerInfo
	v := NewVBoxManage("VBoxManage", f.run)
	ctx := context.Background()

	state, err := v.State(ctx, "kali_abc")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	enabled, port, err := v.RemoteDisplay(ctx, "kali_abc")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, 50001, port)

	active, err := v.RemoteDisplayActive(ctx, "kali_abc")
	require.NoError(t, err)
	assert.True(t, active)

	enabled, _, err = v.RemoteDisplay(ctx, "router")
	require.NoError(t, err)
	assert.False(t, enabled)

	active, err = v.RemoteDisplayActive(ctx, "router")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestVBoxManage_MissingMachine(t *testing.T) {
	f := newFake()
	f.failures["showvminfo ghost --machinereadable"] = errors.New("VBoxManage: error: Could not find a registered machine named 'ghost'")

	_, err := NewVBoxManage("", f.run).State(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrMachineNotFound)
}

func TestVBoxManage_Commands(t *testing.T) {
	f := newFake()
	v := NewVBoxManage("VBoxManage", f.run)
	ctx := context.Background()

	require.NoError(t, v.Clone(ctx, "kali", "kali_abc", "/Net101-Units/abc"))
	require.NoError(t, v.SetInternalNetwork(ctx, "kali_abc", 1, "NETABCDEF1"))
	require.NoError(t, v.SetRemoteDisplayPort(ctx, "kali_abc", 50001))
	require.NoError(t, v.TakeSnapshot(ctx, "kali_abc", "Original"))
	require.NoError(t, v.Start(ctx, "kali_abc"))
	require.NoError(t, v.SaveState(ctx, "kali_abc"))
	require.NoError(t, v.PowerOff(ctx, "kali_abc"))
	require.NoError(t, v.RestoreSnapshot(ctx, "kali_abc", "Original"))
	require.NoError(t, v.Rename(ctx, "kali_abc", "kali_def"))
	require.NoError(t, v.SetGroup(ctx, "kali_def", "/Net101-Units/def"))
	require.NoError(t, v.Delete(ctx, "kali_def"))

	assert.Equal(t, []string{
		"clonevm kali --mode machine --name kali_abc --groups /Net101-Units/abc --register",
		"modifyvm kali_abc --nic2 intnet --intnet2 NETABCDEF1",
		"modifyvm kali_abc --vrdeport 50001",
		"snapshot kali_abc take Original",
		"startvm kali_abc --type headless",
		"controlvm kali_abc savestate",
		"controlvm kali_abc poweroff",
		"snapshot kali_abc restore Original",
		"modifyvm kali_abc --name kali_def",
		"modifyvm kali_def --groups /Net101-Units/def",
		"unregistervm kali_def --delete",
	}, f.calls)
}

func TestVBoxManage_Import(t *testing.T) {
	f := newFake()
	v := NewVBoxManage("VBoxManage", f.run)
	listed := 0
	v.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		key := strings.Join(args, " ")
		if key == "list vms" {
			listed++
			if listed == 1 {
				return []byte("\"other\" {1}\n"), nil
			}
			return []byte("\"other\" {1}\n\"kali\" {2}\n\"router\" {3}\n"), nil
		}
		return f.run(ctx, name, args...)
	}

	added, err := v.Import(context.Background(), "/srv/templates/net101/net101.ova")
	require.NoError(t, err)
	assert.Equal(t, []string{"kali", "router"}, added)
	assert.Contains(t, f.calls, "import /srv/templates/net101/net101.ova")
}

func TestVBoxManage_Ping(t *testing.T) {
	f := newFake()
	f.responses["--version"] = "7.0.12r159484\n"
	require.NoError(t, NewVBoxManage("", f.run).Ping(context.Background()))

	f.failures["--version"] = errors.New("exec: not found")
	assert.Error(t, NewVBoxManage("", f.run).Ping(context.Background()))
}

func TestStateStopped(t *testing.T) {
	assert.True(t, StatePoweredOff.Stopped())
	assert.True(t, StateSaved.Stopped())
	assert.True(t, StateAborted.Stopped())
	assert.False(t, StateRunning.Stopped())
	assert.False(t, StatePaused.Stopped())
}
