package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/log"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. The
// repository is constructed over whichever handle the unit of work holds,
// so appends and claims share the caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	sqlInsertEvent = `
		INSERT INTO events (id, event_type, payload, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING created_at`

	sqlInsertDelivery = `
		INSERT INTO deliveries
			(id, event_id, consumer_group, status, routing_key, retry_count, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, now())`

	// The backoff window is enforced here rather than by sleeping: a
	// delivery with retry_count n is invisible to claims until
	// min(30, 5^n) seconds after its last update.
	sqlClaimSelect = `
		SELECT d.id, d.event_id, e.event_type, e.payload, e.created_at
		FROM deliveries d
		JOIN events e ON e.id = d.event_id
		WHERE d.consumer_group = $1
		  AND d.status = 'pending'
		  AND e.event_type = ANY($2)
		  AND d.updated_at <= now() - make_interval(secs => LEAST(30, POWER(5, d.retry_count)))
		  AND ($3 = '' OR d.routing_key = $3)
		ORDER BY e.created_at ASC
		LIMIT $4
		FOR UPDATE OF d SKIP LOCKED`

	sqlClaimUpdate = `
		UPDATE deliveries
		SET status = 'claimed', claimed_at = now(), updated_at = now()
		WHERE id = ANY($1)
		RETURNING claimed_at`

	sqlMarkStatus = `
		UPDATE deliveries
		SET status = $2,
		    last_error = $3,
		    delivered_at = CASE WHEN $2 IN ('delivered', 'skipped') THEN now() ELSE delivered_at END,
		    updated_at = now()
		WHERE id = $1`

	// Single atomic statement so the retry budget cannot be overspent by
	// concurrent janitor resets: the count saturates at max_retries and
	// the status flips to failed exactly when the budget is exhausted.
	sqlMarkFailedWithRetry = `
		UPDATE deliveries
		SET retry_count = LEAST(retry_count + 1, $2),
		    status = CASE WHEN retry_count + 1 < $2 THEN 'pending' ELSE 'failed' END,
		    last_error = $3,
		    claimed_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING status`

	sqlResetStale = `
		UPDATE deliveries
		SET status = 'pending', claimed_at = NULL, updated_at = now()
		WHERE status = 'claimed'
		  AND claimed_at <= now() - make_interval(secs => $1)`

	sqlFindLatestByType = `
		SELECT id, event_type, payload, created_at
		FROM events
		WHERE event_type = $1
		ORDER BY created_at DESC
		LIMIT 1`

	sqlFindLatestByTypeAndField = `
		SELECT id, event_type, payload, created_at
		FROM events
		WHERE event_type = $1
		  AND payload ->> $2 = $3
		ORDER BY created_at DESC
		LIMIT 1`

	sqlDeliveryCounts = `
		SELECT status, COUNT(*)
		FROM deliveries
		GROUP BY status`

	sqlCountEvents = `
		SELECT COUNT(*)
		FROM events
		WHERE cardinality($1::text[]) = 0 OR event_type = ANY($1)`
)

// PostgresRepository implements Repository over a relational events +
// deliveries pair of tables. Claims rely on FOR UPDATE SKIP LOCKED, so two
// workers polling the same consumer group never see the same row; the row
// locks are held until the surrounding transaction commits.
type PostgresRepository struct {
	db       DBTX
	registry *events.TypeRegistry
	logger   zerolog.Logger
}

// NewPostgresRepository creates a repository bound to a database handle or
// open transaction.
func NewPostgresRepository(db DBTX, registry *events.TypeRegistry) *PostgresRepository {
	return &PostgresRepository{
		db:       db,
		registry: registry,
		logger:   log.WithComponent("outbox"),
	}
}

// WithTx returns a copy of the repository bound to tx. The unit of work
// uses this so event appends commit or roll back with the business writes
// made alongside them.
func (r *PostgresRepository) WithTx(tx DBTX) *PostgresRepository {
	return &PostgresRepository{db: tx, registry: r.registry, logger: r.logger}
}

func (r *PostgresRepository) SaveWithDeliveries(ctx context.Context, ev events.Event, groups []string, routingKey string) (uuid.UUID, error) {
	payload, err := events.Encode(ev)
	if err != nil {
		return uuid.Nil, err
	}

	eventID := uuid.New()
	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, sqlInsertEvent, eventID, ev.EventType(), payload).Scan(&createdAt); err != nil {
		return uuid.Nil, fmt.Errorf("insert event %s: %w", ev.EventType(), err)
	}

	for _, group := range groups {
		if _, err := r.db.ExecContext(ctx, sqlInsertDelivery, uuid.New(), eventID, group, routingKey); err != nil {
			return uuid.Nil, fmt.Errorf("insert delivery for %s/%s: %w", ev.EventType(), group, err)
		}
	}

	r.logger.Debug().
		Str("event_type", ev.EventType()).
		Str("event_id", eventID.String()).
		Int("deliveries", len(groups)).
		Msg("Event appended")
	return eventID, nil
}

func (r *PostgresRepository) ClaimDeliveries(ctx context.Context, req ClaimRequest) ([]ClaimedEvent, time.Time, error) {
	if req.Limit <= 0 {
		return nil, time.Time{}, nil
	}

	rows, err := r.db.QueryContext(ctx, sqlClaimSelect,
		req.ConsumerGroup, req.EventTypes, req.RoutingKey, req.Limit)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("claim select for %s: %w", req.ConsumerGroup, err)
	}
	defer rows.Close()

	type lockedRow struct {
		deliveryID uuid.UUID
		eventID    uuid.UUID
		eventType  string
		payload    []byte
		createdAt  time.Time
	}
	var locked []lockedRow
	for rows.Next() {
		var row lockedRow
		if err := rows.Scan(&row.deliveryID, &row.eventID, &row.eventType, &row.payload, &row.createdAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan claimed row: %w", err)
		}
		locked = append(locked, row)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterate claimed rows: %w", err)
	}
	if len(locked) == 0 {
		return nil, time.Time{}, nil
	}

	claimed := make([]ClaimedEvent, 0, len(locked))
	claimIDs := make([]string, 0, len(locked))
	for _, row := range locked {
		ev, decodeErr := r.registry.Decode(row.eventType, row.payload)
		if decodeErr != nil {
			// Redelivery cannot fix a payload that will not decode, so
			// the row is skipped in place instead of burning retries.
			cause := ErrPayload{DeliveryID: row.deliveryID, Cause: decodeErr}
			r.logger.Warn().Err(cause).
				Str("event_type", row.eventType).
				Str("consumer_group", req.ConsumerGroup).
				Msg("Skipping undecodable delivery")
			if err := r.MarkDeliveryStatus(ctx, row.deliveryID, StatusSkipped, cause.Error()); err != nil {
				return nil, time.Time{}, err
			}
			continue
		}
		claimed = append(claimed, ClaimedEvent{
			DeliveryID: row.deliveryID,
			EventID:    row.eventID,
			Type:       row.eventType,
			Event:      ev,
			CreatedAt:  row.createdAt,
		})
		claimIDs = append(claimIDs, row.deliveryID.String())
	}
	if len(claimIDs) == 0 {
		return nil, time.Time{}, nil
	}

	updated, err := r.db.QueryContext(ctx, sqlClaimUpdate, claimIDs)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("claim update for %s: %w", req.ConsumerGroup, err)
	}
	defer updated.Close()

	var claimedAt time.Time
	for updated.Next() {
		if err := updated.Scan(&claimedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan claimed_at: %w", err)
		}
	}
	if err := updated.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterate claim update: %w", err)
	}

	return claimed, claimedAt, nil
}

func (r *PostgresRepository) MarkDeliveryStatus(ctx context.Context, deliveryID uuid.UUID, status DeliveryStatus, deliveryError string) error {
	res, err := r.db.ExecContext(ctx, sqlMarkStatus, deliveryID, string(status), deliveryError)
	if err != nil {
		return fmt.Errorf("mark delivery %s %s: %w", deliveryID, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivery %s rows affected: %w", deliveryID, err)
	}
	if affected == 0 {
		return fmt.Errorf("mark delivery %s %s: %w", deliveryID, status, ErrNoRows)
	}
	return nil
}

func (r *PostgresRepository) MarkFailedWithRetry(ctx context.Context, deliveryID uuid.UUID, deliveryError string, maxRetries int) (DeliveryStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, sqlMarkFailedWithRetry, deliveryID, maxRetries, deliveryError).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("retry delivery %s: %w", deliveryID, ErrNoRows)
	}
	if err != nil {
		return "", fmt.Errorf("retry delivery %s: %w", deliveryID, err)
	}
	return DeliveryStatus(status), nil
}

func (r *PostgresRepository) ResetStaleDeliveries(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, sqlResetStale, int64(timeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reset stale deliveries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale rows affected: %w", err)
	}
	return affected, nil
}

func (r *PostgresRepository) FindLatestByType(ctx context.Context, eventType string) (*StoredEvent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, sqlFindLatestByType, eventType))
}

func (r *PostgresRepository) FindLatestByTypeAndField(ctx context.Context, eventType, field, value string) (*StoredEvent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, sqlFindLatestByTypeAndField, eventType, field, value))
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*StoredEvent, error) {
	var ev StoredEvent
	err := row.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &ev, nil
}

func (r *PostgresRepository) ListEvents(ctx context.Context, q ListQuery) ([]StoredEvent, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query, args := buildListQuery(q)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// buildListQuery assembles the changefeed read. The cursor compares on
// (created_at, id) of the cursor row so pagination is stable under
// created_at ties.
func buildListQuery(q ListQuery) (string, []any) {
	query := `
		SELECT id, event_type, payload, created_at
		FROM events
		WHERE ($1::uuid IS NULL OR `
	if q.NewestFirst {
		query += `(created_at, id) < (SELECT created_at, id FROM events WHERE id = $1)`
	} else {
		query += `(created_at, id) > (SELECT created_at, id FROM events WHERE id = $1)`
	}
	query += `)
		  AND (cardinality($2::text[]) = 0 OR event_type = ANY($2))
		ORDER BY created_at `
	if q.NewestFirst {
		query += `DESC, id DESC`
	} else {
		query += `ASC, id ASC`
	}
	query += `
		LIMIT $3`

	var cursor any
	if q.AfterCursor != uuid.Nil {
		cursor = q.AfterCursor
	}
	types := q.Types
	if types == nil {
		types = []string{}
	}
	return query, []any{cursor, types, q.Limit}
}

// DeliveryCounts reports the current number of delivery rows per status.
// Sampled by the metrics collector.
func (r *PostgresRepository) DeliveryCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, sqlDeliveryCounts)
	if err != nil {
		return nil, fmt.Errorf("delivery counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery counts: %w", err)
	}
	return counts, nil
}

func (r *PostgresRepository) CountEvents(ctx context.Context, types []string) (int64, error) {
	if types == nil {
		types = []string{}
	}
	var count int64
	if err := r.db.QueryRowContext(ctx, sqlCountEvents, types).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}
