package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/scientress/c3ds/internal/protocol"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrReservedCommand  = errors.New("command is handled by the client itself")
)

// Handler consumes one inbound envelope. Handlers run on the connection's dispatch
// goroutine and must not block it.
type Handler func(env *protocol.Envelope)

// Registry maps a command name to exactly one handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("command name required")
	}
	if h == nil {
		return fmt.Errorf("command %q: nil handler", name)
	}
	if name == protocol.CmdReload || name == protocol.CmdPong {
		return fmt.Errorf("command %q: %w", name, ErrReservedCommand)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("command %q: %w", name, ErrDuplicateCommand)
	}
	r.handlers[name] = h
	return nil
}

// Unregister removes name; unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
