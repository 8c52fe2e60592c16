package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/rpc"
)

// ErrUnknownNode is returned for an address with neither a registered handle nor a stored node
var ErrUnknownNode = errors.New("unknown node")

// NodeLookup resolves a stored node record
type NodeLookup interface {
	GetNode(ctx context.Context, address string) (*domain.Node, error)
}

// Registry maps node addresses to handles
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	remotes map[string]*Remote
	client  *rpc.Client
	nodes   NodeLookup
	timeout time.Duration
}

// NewRegistry creates a registry. Addresses not registered explicitly get a
// Remote handle built from the stored node's port when client and nodes are set.
func NewRegistry(client *rpc.Client, nodes NodeLookup) *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		remotes: make(map[string]*Remote),
		client:  client,
		nodes:   nodes,
		timeout: DefaultLifecycleTimeout,
	}
}

// SetLifecycleTimeout changes the lifecycle bound of Remote handles built from here on
func (r *Registry) SetLifecycleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register binds address to h, replacing any previous handle
func (r *Registry) Register(address string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[address] = h
	delete(r.remotes, address)
}

// Deregister drops the handle of address
func (r *Registry) Deregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, address)
	delete(r.remotes, address)
}

// Get returns the handle of address. Remote handles follow the stored node:
// a changed port rebuilds the handle and a deleted node drops it.
func (r *Registry) Get(ctx context.Context, address string) (Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[address]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	if r.client == nil || r.nodes == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, address)
	}
	n, err := r.nodes.GetNode(ctx, address)
	if err != nil {
		r.mu.Lock()
		delete(r.remotes, address)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownNode, address, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[address]; ok {
		return h, nil
	}
	if remote, ok := r.remotes[address]; ok && remote.port == n.Port {
		return remote, nil
	}
	remote := NewRemoteWithTimeout(r.client, n.Address, n.Port, r.timeout)
	r.remotes[address] = remote
	return remote, nil
}

// Addresses lists the registered addresses and those with a live remote handle
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles)+len(r.remotes))
	for a := range r.handles {
		out = append(out, a)
	}
	for a := range r.remotes {
		if _, ok := r.handles[a]; !ok {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}
