package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openscience-archive/osa/pkg/events"
)

// MemoryRepository is the in-process Repository used in dev mode and in
// tests. It mirrors the relational claim protocol, including the backoff
// window and stale-claim reset, behind a single mutex; the clock is
// injectable so backoff behavior can be tested without sleeping.
type MemoryRepository struct {
	mu         sync.Mutex
	events     []StoredEvent
	deliveries map[uuid.UUID]*Delivery
	registry   *events.TypeRegistry
	now        func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(registry *events.TypeRegistry) *MemoryRepository {
	return &MemoryRepository{
		deliveries: make(map[uuid.UUID]*Delivery),
		registry:   registry,
		now:        time.Now,
	}
}

// SetClock replaces the repository's clock. Test-only.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) SaveWithDeliveries(_ context.Context, ev events.Event, groups []string, routingKey string) (uuid.UUID, error) {
	payload, err := events.Encode(ev)
	if err != nil {
		return uuid.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	eventID := uuid.New()
	r.events = append(r.events, StoredEvent{
		ID:        eventID,
		Type:      ev.EventType(),
		Payload:   payload,
		CreatedAt: now,
	})
	for _, group := range groups {
		d := &Delivery{
			ID:            uuid.New(),
			EventID:       eventID,
			ConsumerGroup: group,
			Status:        StatusPending,
			RoutingKey:    routingKey,
			UpdatedAt:     now,
		}
		r.deliveries[d.ID] = d
	}
	return eventID, nil
}

func (r *MemoryRepository) ClaimDeliveries(_ context.Context, req ClaimRequest) ([]ClaimedEvent, time.Time, error) {
	if req.Limit <= 0 {
		return nil, time.Time{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	types := make(map[string]bool, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types[t] = true
	}

	// Eligible pending deliveries, oldest event first.
	var eligible []*Delivery
	for _, d := range r.deliveries {
		if d.ConsumerGroup != req.ConsumerGroup || d.Status != StatusPending {
			continue
		}
		ev := r.eventByID(d.EventID)
		if ev == nil || !types[ev.Type] {
			continue
		}
		if req.RoutingKey != "" && d.RoutingKey != req.RoutingKey {
			continue
		}
		if now.Sub(d.UpdatedAt) < BackoffWindow(d.RetryCount) {
			continue
		}
		eligible = append(eligible, d)
	}
	sort.Slice(eligible, func(i, j int) bool {
		ei := r.eventByID(eligible[i].EventID)
		ej := r.eventByID(eligible[j].EventID)
		if ei.CreatedAt.Equal(ej.CreatedAt) {
			return ei.ID.String() < ej.ID.String()
		}
		return ei.CreatedAt.Before(ej.CreatedAt)
	})
	if len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}

	var claimed []ClaimedEvent
	for _, d := range eligible {
		stored := r.eventByID(d.EventID)
		ev, decodeErr := r.registry.Decode(stored.Type, stored.Payload)
		if decodeErr != nil {
			cause := ErrPayload{DeliveryID: d.ID, Cause: decodeErr}
			d.Status = StatusSkipped
			d.Error = cause.Error()
			deliveredAt := now
			d.DeliveredAt = &deliveredAt
			d.UpdatedAt = now
			continue
		}
		claimedAt := now
		d.Status = StatusClaimed
		d.ClaimedAt = &claimedAt
		d.UpdatedAt = now
		claimed = append(claimed, ClaimedEvent{
			DeliveryID: d.ID,
			EventID:    stored.ID,
			Type:       stored.Type,
			Event:      ev,
			CreatedAt:  stored.CreatedAt,
		})
	}
	if len(claimed) == 0 {
		return nil, time.Time{}, nil
	}
	return claimed, now, nil
}

func (r *MemoryRepository) MarkDeliveryStatus(_ context.Context, deliveryID uuid.UUID, status DeliveryStatus, deliveryError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("mark delivery %s %s: %w", deliveryID, status, ErrNoRows)
	}
	now := r.now()
	d.Status = status
	d.Error = deliveryError
	d.UpdatedAt = now
	if status == StatusDelivered || status == StatusSkipped {
		deliveredAt := now
		d.DeliveredAt = &deliveredAt
	}
	return nil
}

func (r *MemoryRepository) MarkFailedWithRetry(_ context.Context, deliveryID uuid.UUID, deliveryError string, maxRetries int) (DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return "", fmt.Errorf("retry delivery %s: %w", deliveryID, ErrNoRows)
	}

	// Mirrors the relational statement: the count saturates at the
	// budget and the status flips to failed exactly when it is spent.
	next := d.RetryCount + 1
	if next >= maxRetries {
		d.RetryCount = maxRetries
		d.Status = StatusFailed
	} else {
		d.RetryCount = next
		d.Status = StatusPending
	}
	d.Error = deliveryError
	d.ClaimedAt = nil
	d.UpdatedAt = r.now()
	return d.Status, nil
}

func (r *MemoryRepository) ResetStaleDeliveries(_ context.Context, timeout time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var reset int64
	for _, d := range r.deliveries {
		if d.Status != StatusClaimed || d.ClaimedAt == nil {
			continue
		}
		if now.Sub(*d.ClaimedAt) < timeout {
			continue
		}
		d.Status = StatusPending
		d.ClaimedAt = nil
		d.UpdatedAt = now
		reset++
	}
	return reset, nil
}

func (r *MemoryRepository) FindLatestByType(_ context.Context, eventType string) (*StoredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			ev := r.events[i]
			return &ev, nil
		}
	}
	return nil, ErrNoRows
}

func (r *MemoryRepository) FindLatestByTypeAndField(_ context.Context, eventType, field, value string) (*StoredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if ev.Type != eventType {
			continue
		}
		if payloadField(ev.Payload, field) == value {
			out := ev
			return &out, nil
		}
	}
	return nil, ErrNoRows
}

func (r *MemoryRepository) ListEvents(_ context.Context, q ListQuery) ([]StoredEvent, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	types := make(map[string]bool, len(q.Types))
	for _, t := range q.Types {
		types[t] = true
	}

	ordered := make([]StoredEvent, len(r.events))
	copy(ordered, r.events)
	if q.NewestFirst {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	started := q.AfterCursor == uuid.Nil
	var out []StoredEvent
	for _, ev := range ordered {
		if !started {
			if ev.ID == q.AfterCursor {
				started = true
			}
			continue
		}
		if len(types) > 0 && !types[ev.Type] {
			continue
		}
		out = append(out, ev)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountEvents(_ context.Context, types []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(types) == 0 {
		return int64(len(r.events)), nil
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var count int64
	for _, ev := range r.events {
		if want[ev.Type] {
			count++
		}
	}
	return count, nil
}

// DeliveryCounts reports the current number of delivery rows per status.
func (r *MemoryRepository) DeliveryCounts(context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int64)
	for _, d := range r.deliveries {
		counts[string(d.Status)]++
	}
	return counts, nil
}

// Delivery returns a copy of one delivery row. Test-only.
func (r *MemoryRepository) Delivery(deliveryID uuid.UUID) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// DeliveriesForEvent returns copies of the delivery rows for one event,
// ordered by consumer group. Test-only.
func (r *MemoryRepository) DeliveriesForEvent(eventID uuid.UUID) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Delivery
	for _, d := range r.deliveries {
		if d.EventID == eventID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerGroup < out[j].ConsumerGroup })
	return out
}

// payloadField extracts one top-level string field from a JSON payload,
// matching the relational payload ->> field lookup.
func payloadField(payload []byte, field string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	switch v := m[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r *MemoryRepository) eventByID(id uuid.UUID) *StoredEvent {
	for i := range r.events {
		if r.events[i].ID == id {
			return &r.events[i]
		}
	}
	return nil
}
