package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrDuplicateBackend = errors.New("backend already registered")

// Registry holds the backends known at startup, in registration order.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	byName   map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Backend{}}
}

func (r *Registry) Register(bs ...Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bs {
		if b == nil {
			continue
		}
		name := strings.TrimSpace(b.Name())
		if name == "" {
			return errors.New("backend has no name")
		}
		if _, ok := r.byName[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
		}
		r.byName[name] = b
		r.backends = append(r.backends, b)
	}
	return nil
}

// Backends returns a snapshot of the registered backends.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Backend(nil), r.backends...)
}

func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

// HandleCommand offers req to each backend in order until one claims it.
func (r *Registry) HandleCommand(ctx context.Context, req *CommandRequest) bool {
	for _, b := range r.Backends() {
		if b.HandleCommand(ctx, req) {
			return true
		}
	}
	return false
}

// Commands lists the chat commands exposed by backends.
func (r *Registry) Commands() []CommandInfo {
	var out []CommandInfo
	for _, b := range r.Backends() {
		if d, ok := b.(Describer); ok {
			out = append(out, d.CommandInfo())
		}
	}
	return out
}
