// Package node gives the scheduler one interface over local and remote nodes.
package node

import (
	"context"
	"time"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/rpc"
	"github.com/jbweber/homelab/remu/internal/unit"
)

// RPC method names served by a node
const (
	MethodClone        = "clone_unit"
	MethodStart        = "start_unit"
	MethodSave         = "save_unit"
	MethodStop         = "stop_unit"
	MethodHalt         = "halt_unit"
	MethodRestore      = "restore_unit"
	MethodRemove       = "remove_unit"
	MethodIntrospect   = "unit_to_str"
	MethodStatus       = "update"
	MethodWorkshopList = "get_workshop_list"
)

// Handle runs unit lifecycle operations on one node
type Handle interface {
	Clone(ctx context.Context, workshop, sessionID string) error
	Start(ctx context.Context, sessionID string) error
	Save(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
	Halt(ctx context.Context, sessionID string) error
	Restore(ctx context.Context, sessionID, newSessionID string) error
	Remove(ctx context.Context, sessionID string) error
	Introspect(ctx context.Context, sessionID string) ([]domain.UnitMachine, error)
	Workshops(ctx context.Context) ([]string, error)
	Status(ctx context.Context) (domain.NodeStatus, error)
}

// Local runs operations in-process through a unit manager
type Local struct {
	*unit.Manager
}

// NewLocal wraps a manager
func NewLocal(m *unit.Manager) *Local {
	return &Local{Manager: m}
}

// DefaultLifecycleTimeout bounds clone, start, save, stop, halt, restore and remove
// calls on a Remote when the caller's context has no deadline. Queries use the
// RPC client's own timeout.
const DefaultLifecycleTimeout = 10 * time.Minute

// Remote runs operations on another node over RPC
type Remote struct {
	client  *rpc.Client
	address string
	port    int
	timeout time.Duration
}

// NewRemote creates a handle for the node listening on address:port
func NewRemote(client *rpc.Client, address string, port int) *Remote {
	return NewRemoteWithTimeout(client, address, port, DefaultLifecycleTimeout)
}

// NewRemoteWithTimeout creates a handle whose lifecycle calls are bounded by
// timeout instead of DefaultLifecycleTimeout
func NewRemoteWithTimeout(client *rpc.Client, address string, port int, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultLifecycleTimeout
	}
	return &Remote{client: client, address: address, port: port, timeout: timeout}
}

func (r *Remote) call(ctx context.Context, method string, args rpc.Args, out any) error {
	return r.client.Call(ctx, r.address, r.port, method, args, out)
}

// lifecycle runs a unit operation that may take minutes on a real hypervisor
func (r *Remote) lifecycle(ctx context.Context, method string, args rpc.Args) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.call(ctx, method, args, nil)
}

func (r *Remote) Clone(ctx context.Context, workshop, sessionID string) error {
	return r.lifecycle(ctx, MethodClone, rpc.Args{"workshop": workshop, "session": sessionID})
}

func (r *Remote) Start(ctx context.Context, sessionID string) error {
	return r.lifecycle(ctx, MethodStart, rpc.Args{"session": sessionID})
}

func (r *Remote) Save(ctx context.Context, sessionID string) error {
	return r.lifecycle(ctx, MethodSave, rpc.Args{"session": sessionID})
}

func (r *Remote) Stop(ctx context.Context, sessionID string) error {
	return r.lifecycle(ctx, MethodStop, rpc.Args{"session": sessionID})
}

func (r *Remote) Halt(ctx context.Context, sessionID string) error {
	return r.lifecycle(ctx, MethodHalt, rpc.Args{"session": sessionID})
}

func (r *Remote) Restore(ctx context.Context, sessionID, newSessionID string) error {
	return r.lifecycle(ctx, MethodRestore, rpc.Args{"session": sessionID, "new_session": newSessionID})
}

func (r *Remote) Remove(ctx context.Context, sessionID string) error {
	return r.lifecycle(ctx, MethodRemove, rpc.Args{"session": sessionID})
}

func (r *Remote) Introspect(ctx context.Context, sessionID string) ([]domain.UnitMachine, error) {
	var out []domain.UnitMachine
	if err := r.call(ctx, MethodIntrospect, rpc.Args{"session": sessionID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Workshops(ctx context.Context) ([]string, error) {
	var out []string
	if err := r.call(ctx, MethodWorkshopList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) Status(ctx context.Context) (domain.NodeStatus, error) {
	var out domain.NodeStatus
	if err := r.call(ctx, MethodStatus, nil, &out); err != nil {
		return domain.NodeStatus{}, err
	}
	if out.Sessions == nil {
		out.Sessions = make(map[string][]domain.MachineStatus)
	}
	return out, nil
}

var (
	_ Handle = (*Local)(nil)
	_ Handle = (*Remote)(nil)
)
