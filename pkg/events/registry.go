package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned when a payload's event_type has no registered
// constructor. Deliveries of unknown types are skipped, not retried.
type ErrUnknownType struct {
	Type string
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// TypeRegistry maps event type names to constructors so payloads can be
// deserialized by discriminator. It is populated during wiring and frozen
// before workers start; Freeze makes later Register calls panic.
type TypeRegistry struct {
	mu     sync.RWMutex
	ctors  map[string]func() Event
	frozen bool
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ctors: make(map[string]func() Event)}
}

// Register adds a constructor for one event type name. Duplicate
// registrations are a wiring bug and return an error.
func (r *TypeRegistry) Register(name string, ctor func() Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("events: register on frozen type registry")
	}
	if name == "" {
		return fmt.Errorf("events: empty type name")
	}
	if _, dup := r.ctors[name]; dup {
		return fmt.Errorf("events: duplicate registration for %q", name)
	}
	r.ctors[name] = ctor
	return nil
}

// Freeze locks the registry against further registration.
func (r *TypeRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Decode deserializes a payload for the named type.
func (r *TypeRegistry) Decode(name string, payload []byte) (Event, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownType{Type: name}
	}
	ev := ctor()
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", name, err)
	}
	return ev, nil
}

// Encode serializes an event's payload.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	return data, nil
}

// Types returns the registered type names, sorted.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterCore registers every core pipeline event type. Called once from
// wiring; additional domains register their own types before Freeze.
func RegisterCore(r *TypeRegistry) error {
	core := map[string]func() Event{
		TypeServerStarted:        func() Event { return &ServerStarted{} },
		TypeSourceRequested:      func() Event { return &SourceRequested{} },
		TypeSourceRecordReady:    func() Event { return &SourceRecordReady{} },
		TypeSourceRunCompleted:   func() Event { return &SourceRunCompleted{} },
		TypeDepositionSubmitted:  func() Event { return &DepositionSubmitted{} },
		TypeValidationCompleted:  func() Event { return &ValidationCompleted{} },
		TypeValidationFailed:     func() Event { return &ValidationFailed{} },
		TypeDepositionApproved:   func() Event { return &DepositionApproved{} },
		TypeRecordPublished:      func() Event { return &RecordPublished{} },
		TypeIndexRecord:          func() Event { return &IndexRecord{} },
		TypeConventionRegistered: func() Event { return &ConventionRegistered{} },
		TypeConventionReady:      func() Event { return &ConventionReady{} },
	}
	for name, ctor := range core {
		if err := r.Register(name, ctor); err != nil {
			return err
		}
	}
	return nil
}
