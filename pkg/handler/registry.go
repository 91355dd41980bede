package handler

import (
	"fmt"

	"github.com/openscience-archive/osa/pkg/events"
)

// Registry holds the full handler set for one process. Validation runs at
// startup so a misdeclared handler fails the boot instead of silently
// never receiving deliveries.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler
}

// NewRegistry validates and indexes the handler set. Every handler must
// have a unique non-empty name, at least one subscribed event type known
// to the type registry, a set auth policy, and a claim timeout that
// exceeds its batch timeout. Handlers must implement exactly one of
// EventHandler or BatchHandler.
func NewRegistry(types *events.TypeRegistry, handlers ...Handler) (*Registry, error) {
	known := make(map[string]bool)
	for _, t := range types.Types() {
		known[t] = true
	}

	r := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		cfg := h.Config().WithDefaults()
		if cfg.Name == "" {
			return nil, fmt.Errorf("handler with empty name")
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate handler name %q", cfg.Name)
		}
		if len(cfg.EventTypes) == 0 {
			return nil, fmt.Errorf("handler %q subscribes to no event types", cfg.Name)
		}
		for _, t := range cfg.EventTypes {
			if !known[t] {
				return nil, fmt.Errorf("handler %q subscribes to unregistered event type %q", cfg.Name, t)
			}
		}
		if !cfg.Auth.IsValid() {
			return nil, fmt.Errorf("handler %q has no auth policy", cfg.Name)
		}
		if cfg.BatchTimeout > 0 && cfg.ClaimTimeout <= cfg.BatchTimeout {
			return nil, fmt.Errorf("handler %q claim timeout %s must exceed batch timeout %s",
				cfg.Name, cfg.ClaimTimeout, cfg.BatchTimeout)
		}

		_, isEvent := h.(EventHandler)
		_, isBatch := h.(BatchHandler)
		switch {
		case isEvent && isBatch:
			return nil, fmt.Errorf("handler %q implements both Handle and HandleBatch", cfg.Name)
		case !isEvent && !isBatch:
			return nil, fmt.Errorf("handler %q implements neither Handle nor HandleBatch", cfg.Name)
		}

		r.handlers = append(r.handlers, h)
		r.byName[cfg.Name] = h
	}
	return r, nil
}

// Handlers returns the registered handlers in registration order.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

// Get returns one handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// Subscriptions derives the event type to consumer group mapping the
// outbox fans deliveries out with.
func (r *Registry) Subscriptions() *events.Subscriptions {
	pairs := make(map[string][]events.Subscriber)
	for _, h := range r.handlers {
		cfg := h.Config()
		for _, t := range cfg.EventTypes {
			pairs[t] = append(pairs[t], events.Subscriber{
				Group:      cfg.Name,
				RoutingKey: cfg.RoutingKey,
			})
		}
	}
	return events.NewSubscriptions(pairs)
}
