// Package sim is a hypervisor simulator persisted in Badger. Dev nodes and
// tests run the full unit lifecycle against it without VirtualBox.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/jbweber/homelab/remu/internal/hypervisor"
)

// Op names a driver primitive for fault injection
type Op string

// Faultable operations
const (
	OpClone    Op = "clone"
	OpRename   Op = "rename"
	OpSetGroup Op = "set_group"
	OpNetwork  Op = "network"
	OpDisplay  Op = "display"
	OpSnapshot Op = "snapshot"
	OpRestore  Op = "restore"
	OpStart    Op = "start"
	OpSave     Op = "save"
	OpPowerOff Op = "poweroff"
	OpDelete   Op = "delete"
	OpStatus   Op = "status"
)

// AnyMachine matches every machine when injecting a fault
const AnyMachine = "*"

// ErrInjected is the default error returned by injected faults
var ErrInjected = errors.New("injected fault")

// Machine is the persisted state of a simulated machine
type Machine struct {
	Name          string           `json:"name"`
	Group         string           `json:"group"`
	State         hypervisor.State `json:"state"`
	RemoteDisplay bool             `json:"remote_display"`
	Port          int              `json:"port"`
	Active        bool             `json:"active"`
	Networks      map[int]string   `json:"networks,omitempty"`
	Snapshots     map[string]Image `json:"snapshots,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Image is what a snapshot captures
type Image struct {
	State    hypervisor.State `json:"state"`
	Networks map[int]string   `json:"networks,omitempty"`
}

// Hypervisor implements hypervisor.Driver on a Badger store
type Hypervisor struct {
	db *badger.DB

	mu      sync.Mutex
	faults  map[string]error
	latency time.Duration
}

// Open opens the simulator store at path, or an in-memory store when path is empty
func Open(path string) (*Hypervisor, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open simulator store: %w", err)
	}
	return &Hypervisor{db: db, faults: make(map[string]error)}, nil
}

// Close closes the store
func (h *Hypervisor) Close() error {
	return h.db.Close()
}

func machineKey(name string) []byte {
	return []byte("machine:" + name)
}

func faultKey(op Op, machine string) string {
	return string(op) + "/" + machine
}

// InjectFault makes op fail on machine (or AnyMachine) until ClearFaults. A nil err uses ErrInjected.
func (h *Hypervisor) InjectFault(op Op, machine string, err error) {
	if err == nil {
		err = ErrInjected
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[faultKey(op, machine)] = err
}

// ClearFaults removes every injected fault and latency
func (h *Hypervisor) ClearFaults() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = make(map[string]error)
	h.latency = 0
}

// SetLatency delays every operation by d
func (h *Hypervisor) SetLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = d
}

// SetActive flips the remote display connection flag of a machine
func (h *Hypervisor) SetActive(ctx context.Context, name string, active bool) error {
	return h.update(name, func(m *Machine) error {
		m.Active = active
		return nil
	})
}

// SetState forces a machine's power state, as when a guest shuts itself down
// or its process dies
func (h *Hypervisor) SetState(ctx context.Context, name string, state hypervisor.State) error {
	return h.update(name, func(m *Machine) error {
		m.State = state
		if state != hypervisor.StateRunning {
			m.Active = false
		}
		return nil
	})
}

// Create registers a machine directly, as if it had been imported
func (h *Hypervisor) Create(ctx context.Context, m Machine) error {
	if m.Name == "" {
		return errors.New("machine name is required")
	}
	if m.State == "" {
		m.State = hypervisor.StatePoweredOff
	}
	return h.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(machineKey(m.Name)); err == nil {
			return fmt.Errorf("machine %s already exists", m.Name)
		}
		return put(txn, &m)
	})
}

// Get returns a machine's persisted state
func (h *Hypervisor) Get(ctx context.Context, name string) (*Machine, error) {
	var out Machine
	err := h.db.View(func(txn *badger.Txn) error {
		return get(txn, name, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// All returns every machine sorted by name
func (h *Hypervisor) All(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	err := h.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("machine:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Machine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			machines = append(machines, m)
		}
		return nil
	})
	return machines, err
}

func get(txn *badger.Txn, name string, out *Machine) error {
	item, err := txn.Get(machineKey(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", name, hypervisor.ErrMachineNotFound)
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func put(txn *badger.Txn, m *Machine) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(machineKey(m.Name), data)
}

// before applies latency and injected faults for op on machine
func (h *Hypervisor) before(ctx context.Context, op Op, machines ...string) error {
	h.mu.Lock()
	latency := h.latency
	var fault error
	for _, name := range append(machines, AnyMachine) {
		if err, ok := h.faults[faultKey(op, name)]; ok {
			fault = err
			break
		}
	}
	h.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fault != nil {
		return fmt.Errorf("%s %s: %w", op, strings.Join(machines, ","), fault)
	}
	return nil
}

func (h *Hypervisor) update(name string, fn func(m *Machine) error) error {
	return h.db.Update(func(txn *badger.Txn) error {
		var m Machine
		if err := get(txn, name, &m); err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		return put(txn, &m)
	})
}

func (h *Hypervisor) mutate(ctx context.Context, op Op, name string, fn func(m *Machine) error) error {
	if err := h.before(ctx, op, name); err != nil {
		return err
	}
	return h.update(name, fn)
}

// Ping reports whether the store is open
func (h *Hypervisor) Ping(ctx context.Context) error {
	if h.db.IsClosed() {
		return errors.New("simulator store closed")
	}
	return nil
}

// Groups lists the distinct machine groups
func (h *Hypervisor) Groups(ctx context.Context) ([]string, error) {
	machines, err := h.All(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var groups []string
	for _, m := range machines {
		if !seen[m.Group] {
			seen[m.Group] = true
			groups = append(groups, m.Group)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

// Machines lists the machines in a group sorted by name
func (h *Hypervisor) Machines(ctx context.Context, group string) ([]string, error) {
	machines, err := h.All(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range machines {
		if m.Group == group {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Clone copies source into a new powered-off machine without snapshots
func (h *Hypervisor) Clone(ctx context.Context, source, name, group string) error {
	if err := h.before(ctx, OpClone, source, name); err != nil {
		return err
	}
	return h.db.Update(func(txn *badger.Txn) error {
		var src Machine
		if err := get(txn, source, &src); err != nil {
			return err
		}
		if _, err := txn.Get(machineKey(name)); err == nil {
			return fmt.Errorf("machine %s already exists", name)
		}
		clone := Machine{
			Name:          name,
			Group:         group,
			State:         hypervisor.StatePoweredOff,
			RemoteDisplay: src.RemoteDisplay,
			Port:          src.Port,
			Networks:      copyNetworks(src.Networks),
		}
		return put(txn, &clone)
	})
}

func copyNetworks(in map[int]string) map[int]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Rename moves a machine to a new key
func (h *Hypervisor) Rename(ctx context.Context, machine, name string) error {
	if err := h.before(ctx, OpRename, machine); err != nil {
		return err
	}
	if machine == name {
		return nil
	}
	return h.db.Update(func(txn *badger.Txn) error {
		var m Machine
		if err := get(txn, machine, &m); err != nil {
			return err
		}
		if _, err := txn.Get(machineKey(name)); err == nil {
			return fmt.Errorf("machine %s already exists", name)
		}
		if err := txn.Delete(machineKey(machine)); err != nil {
			return err
		}
		m.Name = name
		return put(txn, &m)
	})
}

// SetGroup moves a machine to group
func (h *Hypervisor) SetGroup(ctx context.Context, machine, group string) error {
	return h.mutate(ctx, OpSetGroup, machine, func(m *Machine) error {
		m.Group = group
		return nil
	})
}

// SetInternalNetwork attaches an adapter to a network
func (h *Hypervisor) SetInternalNetwork(ctx context.Context, machine string, adapter int, network string) error {
	return h.mutate(ctx, OpNetwork, machine, func(m *Machine) error {
		if m.Networks == nil {
			m.Networks = make(map[int]string)
		}
		m.Networks[adapter] = network
		return nil
	})
}

// RemoteDisplay reports the display setting
func (h *Hypervisor) RemoteDisplay(ctx context.Context, machine string) (bool, int, error) {
	if err := h.before(ctx, OpDisplay, machine); err != nil {
		return false, 0, err
	}
	m, err := h.Get(ctx, machine)
	if err != nil {
		return false, 0, err
	}
	return m.RemoteDisplay, m.Port, nil
}

// SetRemoteDisplayPort pins the display port
func (h *Hypervisor) SetRemoteDisplayPort(ctx context.Context, machine string, port int) error {
	return h.mutate(ctx, OpDisplay, machine, func(m *Machine) error {
		m.Port = port
		return nil
	})
}

// RemoteDisplayActive reports the connection flag set with SetActive
func (h *Hypervisor) RemoteDisplayActive(ctx context.Context, machine string) (bool, error) {
	if err := h.before(ctx, OpStatus, machine); err != nil {
		return false, err
	}
	m, err := h.Get(ctx, machine)
	if err != nil {
		return false, err
	}
	return m.Active && m.State == hypervisor.StateRunning, nil
}

// TakeSnapshot records the machine's state under name
func (h *Hypervisor) TakeSnapshot(ctx context.Context, machine, name string) error {
	return h.mutate(ctx, OpSnapshot, machine, func(m *Machine) error {
		if m.Snapshots == nil {
			m.Snapshots = make(map[string]Image)
		}
		m.Snapshots[name] = Image{State: m.State, Networks: copyNetworks(m.Networks)}
		return nil
	})
}

// RestoreSnapshot reverts a stopped machine to a snapshot
func (h *Hypervisor) RestoreSnapshot(ctx context.Context, machine, name string) error {
	return h.mutate(ctx, OpRestore, machine, func(m *Machine) error {
		if m.State == hypervisor.StateRunning {
			return fmt.Errorf("machine %s is running", machine)
		}
		image, ok := m.Snapshots[name]
		if !ok {
			return fmt.Errorf("machine %s has no snapshot %s", machine, name)
		}
		m.State = image.State
		m.Networks = copyNetworks(image.Networks)
		m.Active = false
		return nil
	})
}

// State reports the power state
func (h *Hypervisor) State(ctx context.Context, machine string) (hypervisor.State, error) {
	if err := h.before(ctx, OpStatus, machine); err != nil {
		return "", err
	}
	m, err := h.Get(ctx, machine)
	if err != nil {
		return "", err
	}
	return m.State, nil
}

// Start powers a stopped machine on
func (h *Hypervisor) Start(ctx context.Context, machine string) error {
	return h.mutate(ctx, OpStart, machine, func(m *Machine) error {
		if m.State == hypervisor.StateRunning {
			return fmt.Errorf("machine %s is already running", machine)
		}
		m.State = hypervisor.StateRunning
		return nil
	})
}

// SaveState saves a running machine
func (h *Hypervisor) SaveState(ctx context.Context, machine string) error {
	return h.mutate(ctx, OpSave, machine, func(m *Machine) error {
		if m.State != hypervisor.StateRunning {
			return fmt.Errorf("machine %s is not running", machine)
		}
		m.State = hypervisor.StateSaved
		m.Active = false
		return nil
	})
}

// PowerOff stops a running machine
func (h *Hypervisor) PowerOff(ctx context.Context, machine string) error {
	return h.mutate(ctx, OpPowerOff, machine, func(m *Machine) error {
		if m.State != hypervisor.StateRunning && m.State != hypervisor.StatePaused {
			return fmt.Errorf("machine %s is not running", machine)
		}
		m.State = hypervisor.StatePoweredOff
		m.Active = false
		return nil
	})
}

// Delete removes a stopped machine
func (h *Hypervisor) Delete(ctx context.Context, machine string) error {
	if err := h.before(ctx, OpDelete, machine); err != nil {
		return err
	}
	return h.db.Update(func(txn *badger.Txn) error {
		var m Machine
		if err := get(txn, machine, &m); err != nil {
			return err
		}
		if m.State == hypervisor.StateRunning {
			return fmt.Errorf("machine %s is running", machine)
		}
		return txn.Delete(machineKey(machine))
	})
}

// Import registers one machine named after the appliance file, with remote display enabled
func (h *Hypervisor) Import(ctx context.Context, appliance string) ([]string, error) {
	name := strings.TrimSuffix(filepath.Base(appliance), filepath.Ext(appliance))
	if err := h.Create(ctx, Machine{Name: name, Group: "/", RemoteDisplay: true, Port: 3389}); err != nil {
		return nil, err
	}
	return []string{name}, nil
}

var _ hypervisor.Driver = (*Hypervisor)(nil)
