package hypervisor

import (
	"context"
	"errors"
)

// State is the power state a hypervisor reports for a machine
type State string

// Machine power states
const (
	StatePoweredOff State = "poweroff"
	StateSaved      State = "saved"
	StateRunning    State = "running"
	StateAborted    State = "aborted"
	StatePaused     State = "paused"
)

// Stopped reports whether a machine in this state can be started, restored or
// deleted. A machine whose process died is aborted and counts as stopped.
func (s State) Stopped() bool {
	return s == StatePoweredOff || s == StateSaved || s == StateAborted
}

// ErrMachineNotFound is returned when the hypervisor has no machine with the given name
var ErrMachineNotFound = errors.New("machine not found")

// Driver is the synchronous hypervisor control surface the unit lifecycle drives.
// Machines are addressed by name; groups are slash-separated paths such as
// "/Net101-Units/<session>".
type Driver interface {
	// Groups lists every machine group known to the hypervisor
	Groups(ctx context.Context) ([]string, error)
	// Machines lists the machines in a group, in a stable order
	Machines(ctx context.Context, group string) ([]string, error)
	// Clone full-clones source into a new registered machine in group
	Clone(ctx context.Context, source, name, group string) error
	Rename(ctx context.Context, machine, name string) error
	SetGroup(ctx context.Context, machine, group string) error
	// SetInternalNetwork attaches adapter (zero based) to the named internal network
	SetInternalNetwork(ctx context.Context, machine string, adapter int, network string) error
	// RemoteDisplay reports whether the remote display server is enabled and its port
	RemoteDisplay(ctx context.Context, machine string) (bool, int, error)
	SetRemoteDisplayPort(ctx context.Context, machine string, port int) error
	// RemoteDisplayActive reports whether a client is connected to the remote display
	RemoteDisplayActive(ctx context.Context, machine string) (bool, error)
	TakeSnapshot(ctx context.Context, machine, name string) error
	RestoreSnapshot(ctx context.Context, machine, name string) error
	State(ctx context.Context, machine string) (State, error)
	// Start powers a machine on without a local display
	Start(ctx context.Context, machine string) error
	SaveState(ctx context.Context, machine string) error
	PowerOff(ctx context.Context, machine string) error
	// Delete unregisters a machine and removes its disks
	Delete(ctx context.Context, machine string) error
	// Import registers the machines of an appliance and returns their names
	Import(ctx context.Context, appliance string) ([]string, error)
	// Ping verifies the hypervisor is reachable
	Ping(ctx context.Context) error
}
