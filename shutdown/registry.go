// Package shutdown runs ordered cleanup when the process is asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func releases one resource. It should honor ctx.
type Func func(ctx context.Context) error

// Priorities used by picgo. Lower runs first.
const (
	PriorityWorkers = 10 // orchestrator queue, GPU sampler
	PriorityServers = 20 // metrics endpoint
	PriorityModel   = 30 // native pipeline memory
	PriorityStorage = 40 // history database
	PriorityLogging = 90 // final log flush
)

type entry struct {
	name     string
	priority int
	fn       Func
}

// Registry holds cleanup functions ordered by priority. Functions with the
// same priority run in registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. Registration after Shutdown is ignored.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, fn: fn})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].priority < r.entries[j].priority
	})
}

// Shutdown runs every function once, in order, and returns their errors.
// A failing function does not stop the ones after it. Second and later
// calls return nil.
func (r *Registry) Shutdown(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := append([]entry(nil), r.entries...)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names returns the registered names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}
