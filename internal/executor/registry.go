package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is wrapped by Resolve when no handler is registered under
// the requested name. Surfaces immediately as a FAILURE record, never
// retried.
var ErrUnknownTask = fmt.Errorf("unknown task")

// HandlerFunc is a runnable task implementation. Args are positional,
// kwargs keyed; the returned value becomes the SUCCESS result, the returned
// error the FAILURE message.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps task names to handlers. It is supplied to executors (and to
// the coordinator for its local-execution path) at construction.
type Registry interface {
	// Resolve returns the handler for name, or an error wrapping
	// ErrUnknownTask.
	Resolve(name string) (HandlerFunc, error)

	// Names lists the registered task names, sorted.
	Names() []string
}

// MapRegistry is the plain in-memory Registry implementation. Safe for
// concurrent use; registration after startup is allowed and takes effect on
// the next Resolve.
type MapRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMapRegistry returns an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a name, replacing any previous binding.
func (r *MapRegistry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Resolve implements Registry.
func (r *MapRegistry) Resolve(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return fn, nil
}

// Names implements Registry.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
