package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateTask is returned when a name is registered twice.
	ErrDuplicateTask = errors.New("task name already registered")
	// ErrUnknownTask is returned when resolving an unregistered name.
	// Callers must treat it as non-retryable: retrying cannot make a
	// missing registration appear.
	ErrUnknownTask = errors.New("unknown task")
)

// Handler executes one task invocation. The context carries the
// per-task timeout; handlers must return promptly once it is done.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Options are per-task defaults applied at publish and execution time.
// Zero values defer to pool/broker configuration.
type Options struct {
	Queue      string
	MaxRetries int
	Timeout    time.Duration
}

// Registration binds a handler to its options.
type Registration struct {
	Name    string
	Handler Handler
	Opts    Options
}

// Registry maps task names to handlers. Populated during startup and
// read-only afterwards; the mutex only guards the registration phase.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registration)}
}

// Register binds name to handler. Must be called before the worker
// pool starts leasing.
func (r *Registry) Register(name string, handler Handler, opts Options) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if handler == nil {
		return fmt.Errorf("task %q: handler is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("task %q: registry sealed after startup", name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("task %q: %w", name, ErrDuplicateTask)
	}
	r.entries[name] = &Registration{Name: name, Handler: handler, Opts: opts}
	return nil
}

// Seal freezes the registry. Subsequent reads need no synchronization.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve looks up the registration for name.
func (r *Registry) Resolve(name string) (*Registration, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrUnknownTask)
	}
	return reg, nil
}

// Names returns registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
