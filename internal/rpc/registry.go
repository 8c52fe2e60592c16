package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler serves one RPC method. The returned value is written back as JSON.
type Handler func(ctx context.Context, args Args) (any, error)

// Registry maps method names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a method twice is an error and keeps the first handler.
func (r *Registry) Register(method string, h Handler) error {
	if method == "" || h == nil {
		return fmt.Errorf("%w: method name and handler are required", ErrMalformed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[method]; ok {
		return fmt.Errorf("method %s already registered", method)
	}
	r.handlers[method] = h
	return nil
}

// Lookup returns the handler of a method
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods lists the registered methods in order
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
