package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/metrics"
)

// DeliveryStatus is the lifecycle state of one delivery row.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusClaimed   DeliveryStatus = "claimed"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// MaxBackoff caps the retry backoff window. The claim query filters out
// rows whose updated_at is younger than min(MaxBackoff, 5^retry_count)
// seconds, so backoff is enforced as a WHERE clause and workers never
// sleep on a retrying delivery.
const MaxBackoff = 30 * time.Second

// BackoffWindow returns the backoff window for a retry count.
func BackoffWindow(retryCount int) time.Duration {
	window := time.Second
	for i := 0; i < retryCount; i++ {
		window *= 5
		if window >= MaxBackoff {
			return MaxBackoff
		}
	}
	return window
}

// ErrNoRows is returned by point lookups that find nothing.
var ErrNoRows = errors.New("outbox: no rows")

// StoredEvent is one row of the append-only events table.
type StoredEvent struct {
	ID        uuid.UUID
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Delivery is one row of the deliveries table: "this event, for this
// consumer group". Status and retry accounting are tracked independently
// per group.
type Delivery struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	ConsumerGroup string
	Status        DeliveryStatus
	RoutingKey    string
	RetryCount    int
	ClaimedAt     *time.Time
	DeliveredAt   *time.Time
	UpdatedAt     time.Time
	Error         string
}

// ClaimedEvent is one claimed delivery joined to its decoded event. The
// delivery ID rides along so the worker can acknowledge it.
type ClaimedEvent struct {
	DeliveryID uuid.UUID
	EventID    uuid.UUID
	Type       string
	Event      events.Event
	CreatedAt  time.Time
}

// ErrPayload marks a delivery whose payload cannot be decoded — an
// unknown event type or malformed JSON. These are permanent failures:
// the claim path marks them skipped rather than spending retries.
type ErrPayload struct {
	DeliveryID uuid.UUID
	Cause      error
}

func (e ErrPayload) Error() string {
	return "undecodable payload for delivery " + e.DeliveryID.String() + ": " + e.Cause.Error()
}

func (e ErrPayload) Unwrap() error { return e.Cause }

// ClaimRequest selects the deliveries a claim call is allowed to return.
type ClaimRequest struct {
	ConsumerGroup string
	EventTypes    []string
	// RoutingKey filters deliveries to one partition when non-empty.
	RoutingKey string
	Limit      int
}

// ListQuery is the cursor-paginated changefeed read on the events table.
type ListQuery struct {
	Limit int
	// AfterCursor resumes after the event with this ID; zero starts from
	// the beginning (or the end when NewestFirst).
	AfterCursor uuid.UUID
	Types       []string
	NewestFirst bool
}

// Repository persists events and their per-consumer-group deliveries and
// implements the concurrent claim protocol. The relational implementation
// relies on row-level locking with skip-locked semantics; the in-memory
// implementation mirrors the same observable behavior for tests and dev
// mode.
type Repository interface {
	// SaveWithDeliveries appends the event and inserts one pending
	// delivery per consumer group, all in the caller's transaction. With
	// no groups the event is persisted audit-only.
	SaveWithDeliveries(ctx context.Context, ev events.Event, groups []string, routingKey string) (uuid.UUID, error)

	// ClaimDeliveries locks up to req.Limit eligible pending deliveries
	// (status pending, backoff window elapsed, matching group/types/
	// routing key), oldest event first, and moves them to claimed.
	// Undecodable payloads are marked skipped in place rather than
	// claimed.
	ClaimDeliveries(ctx context.Context, req ClaimRequest) ([]ClaimedEvent, time.Time, error)

	// MarkDeliveryStatus finalizes one delivery as delivered, failed or
	// skipped. Delivered and skipped set delivered_at.
	MarkDeliveryStatus(ctx context.Context, deliveryID uuid.UUID, status DeliveryStatus, deliveryError string) error

	// MarkFailedWithRetry is the only retry path: it increments the retry
	// count and returns the delivery to pending, or finalizes it as
	// failed once the retry budget is spent. Returns the resulting status.
	MarkFailedWithRetry(ctx context.Context, deliveryID uuid.UUID, deliveryError string, maxRetries int) (DeliveryStatus, error)

	// ResetStaleDeliveries returns every delivery claimed for longer than
	// timeout back to pending and reports how many were reset.
	ResetStaleDeliveries(ctx context.Context, timeout time.Duration) (int64, error)

	// FindLatestByType returns the newest event of a type, ErrNoRows if
	// none exists.
	FindLatestByType(ctx context.Context, eventType string) (*StoredEvent, error)

	// FindLatestByTypeAndField returns the newest event of a type whose
	// payload field equals value.
	FindLatestByTypeAndField(ctx context.Context, eventType, field, value string) (*StoredEvent, error)

	// ListEvents is the cursor-paginated changefeed.
	ListEvents(ctx context.Context, q ListQuery) ([]StoredEvent, error)

	// CountEvents counts events, optionally restricted to types.
	CountEvents(ctx context.Context, types []string) (int64, error)
}

// Outbox is the thin domain service over the repository: the only API
// application code uses to emit events and workers use to claim and
// acknowledge them. One Outbox is created per unit of work and shares its
// transaction with the business writes made alongside it.
type Outbox struct {
	repo Repository
	subs *events.Subscriptions
}

// New creates an Outbox over a repository and the frozen subscription
// registry.
func New(repo Repository, subs *events.Subscriptions) *Outbox {
	return &Outbox{repo: repo, subs: subs}
}

// Append looks up the event type's subscribers and persists the event with
// one pending delivery per subscriber. An event type nobody consumes is
// persisted audit-only.
func (o *Outbox) Append(ctx context.Context, ev events.Event, routingKey string) (uuid.UUID, error) {
	groups := o.subs.For(ev.EventType(), routingKey)
	eventID, err := o.repo.SaveWithDeliveries(ctx, ev, groups, routingKey)
	if err != nil {
		return uuid.Nil, err
	}
	metrics.EventsAppended.WithLabelValues(ev.EventType()).Inc()
	return eventID, nil
}

// Claim locks up to limit eligible deliveries for a consumer group.
func (o *Outbox) Claim(ctx context.Context, eventTypes []string, limit int, consumerGroup, routingKey string) ([]ClaimedEvent, time.Time, error) {
	return o.repo.ClaimDeliveries(ctx, ClaimRequest{
		ConsumerGroup: consumerGroup,
		EventTypes:    eventTypes,
		RoutingKey:    routingKey,
		Limit:         limit,
	})
}

// MarkDelivered finalizes a delivery as delivered.
func (o *Outbox) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	return o.repo.MarkDeliveryStatus(ctx, deliveryID, StatusDelivered, "")
}

// MarkSkipped finalizes a delivery as skipped with a reason. Skipped
// deliveries are never retried.
func (o *Outbox) MarkSkipped(ctx context.Context, deliveryID uuid.UUID, reason string) error {
	return o.repo.MarkDeliveryStatus(ctx, deliveryID, StatusSkipped, reason)
}

// MarkFailed finalizes a delivery as failed without consuming the retry
// budget. Used for poison deliveries outside the retry protocol.
func (o *Outbox) MarkFailed(ctx context.Context, deliveryID uuid.UUID, deliveryError string) error {
	return o.repo.MarkDeliveryStatus(ctx, deliveryID, StatusFailed, deliveryError)
}

// MarkFailedWithRetry records a failed attempt, re-queueing the delivery
// unless its retry budget is exhausted.
func (o *Outbox) MarkFailedWithRetry(ctx context.Context, deliveryID uuid.UUID, deliveryError string, maxRetries int) (DeliveryStatus, error) {
	return o.repo.MarkFailedWithRetry(ctx, deliveryID, deliveryError, maxRetries)
}

// FindLatest returns the newest event of a type.
func (o *Outbox) FindLatest(ctx context.Context, eventType string) (*StoredEvent, error) {
	return o.repo.FindLatestByType(ctx, eventType)
}

// FindLatestByField returns the newest event of a type whose payload field
// equals value.
func (o *Outbox) FindLatestByField(ctx context.Context, eventType, field, value string) (*StoredEvent, error) {
	return o.repo.FindLatestByTypeAndField(ctx, eventType, field, value)
}

// ResetStaleClaims returns deliveries claimed for longer than timeout to
// pending.
func (o *Outbox) ResetStaleClaims(ctx context.Context, timeout time.Duration) (int64, error) {
	return o.repo.ResetStaleDeliveries(ctx, timeout)
}

// ListEvents exposes the changefeed read.
func (o *Outbox) ListEvents(ctx context.Context, q ListQuery) ([]StoredEvent, error) {
	return o.repo.ListEvents(ctx, q)
}

// CountEvents exposes the changefeed count.
func (o *Outbox) CountEvents(ctx context.Context, types []string) (int64, error) {
	return o.repo.CountEvents(ctx, types)
}
