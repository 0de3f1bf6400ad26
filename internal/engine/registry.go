package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/offsync/internal/outbox"
)

// Handler delivers one queued mutation to the server.
type Handler func(ctx context.Context, m outbox.QueuedMutation) error

// Registry maps mutation type tags to handlers.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds tag to h. Empty tags, nil handlers and duplicate tags are
// rejected.
func (r *Registry) Register(tag string, h Handler) error {
	if tag == "" {
		return fmt.Errorf("register: tag must not be empty")
	}
	if h == nil {
		return fmt.Errorf("register %s: handler must not be nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("register %s: tag already registered", tag)
	}
	r.handlers[tag] = h
	r.order = append(r.order, tag)
	return nil
}

// Lookup returns the handler for tag.
func (r *Registry) Lookup(tag string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tag]
	return h, ok
}

// Tags returns the registered tags in registration order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
