package handler

import (
	"context"
	"time"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/outbox"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultBatchSize    = 1
	DefaultClaimTimeout = 5 * time.Minute
	DefaultMaxRetries   = 3

	// NoRetries declares a zero retry budget, distinct from the unset
	// value which defaults to DefaultMaxRetries.
	NoRetries = -1
)

// Config declares one handler's identity and runtime behavior. Every
// field is explicit: the handler's name doubles as its consumer group, so
// renaming a handler orphans its pending deliveries.
type Config struct {
	// Name is the handler's unique name and consumer group.
	Name string

	// EventTypes are the event type discriminators the handler subscribes
	// to.
	EventTypes []string

	// Auth is the policy checked when the handler's operation is invoked
	// on behalf of a caller. Workers run as the system identity, which
	// satisfies every policy.
	Auth domain.Policy

	// BatchSize above 1 makes the worker accumulate a batch before
	// invoking the handler. Defaults to 1.
	BatchSize int

	// BatchTimeout bounds how long a partially filled batch waits for
	// more deliveries before being processed anyway. Only meaningful
	// when BatchSize > 1.
	BatchTimeout time.Duration

	// ClaimTimeout is how long a claim may be held before the janitor
	// assumes the worker died and returns the delivery to pending.
	// Defaults to 5m; must exceed BatchTimeout.
	ClaimTimeout time.Duration

	// MaxRetries is the failure budget per delivery. Defaults to 3; use
	// NoRetries to declare a zero budget.
	MaxRetries int

	// RoutingKey, when set, restricts claims to deliveries carrying the
	// same key, partitioning one event type across handlers.
	RoutingKey string
}

// WithDefaults fills unset numeric fields.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries == NoRetries:
		c.MaxRetries = 0
	}
	return c
}

// Handler is the common surface of every registered handler.
type Handler interface {
	Config() Config
}

// EventHandler processes one delivery at a time.
type EventHandler interface {
	Handler
	Handle(ctx context.Context, uow *UnitOfWork, ev events.Event) Outcome
}

// BatchHandler processes a claimed batch in one invocation. The single
// outcome applies to every delivery in the batch, so a failure retries
// the whole batch.
type BatchHandler interface {
	Handler
	HandleBatch(ctx context.Context, uow *UnitOfWork, batch []outbox.ClaimedEvent) Outcome
}
