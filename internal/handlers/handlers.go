package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/safwanbuddy/buddy-core/internal/intent"
)

var (
	// ErrMissingParameter is returned when an intent lacks a value the action needs.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrNotConfigured is returned for actions with no command on this system.
	ErrNotConfigured = errors.New("action not configured")
)

// Reply is what an action produced. Speech, when set, is read back to the user.
type Reply struct {
	Result any    `json:"result,omitempty"`
	Speech string `json:"speech,omitempty"`
}

// Handler executes one classified intent. Returning an error fails the execution.
type Handler interface {
	Handle(ctx context.Context, in intent.Intent) (Reply, error)
}

type HandlerFunc func(ctx context.Context, in intent.Intent) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, in intent.Intent) (Reply, error) {
	return f(ctx, in)
}

// Registry maps intent types to handlers. It is built once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[intent.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[intent.Type]Handler)}
}

// Register binds h to t. Each type may be registered once.
func (r *Registry) Register(t intent.Type, h Handler) error {
	if !t.Valid() || t == intent.Unknown {
		return fmt.Errorf("register handler: invalid intent type %q", t)
	}
	if h == nil {
		return fmt.Errorf("register handler for %s: nil handler", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("register handler: %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Replace binds h to t, overriding any earlier registration.
func (r *Registry) Replace(t intent.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Lookup(t intent.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists registered intent types in declaration order.
func (r *Registry) Types() []intent.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]intent.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	order := make(map[intent.Type]int)
	for i, t := range intent.SupportedTypes() {
		order[t] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
