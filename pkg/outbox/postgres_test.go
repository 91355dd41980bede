package outbox

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/events"
)

// sliceConverter lets slice arguments through to the mock unchanged; the
// pgx stdlib driver accepts them natively but database/sql's default
// converter does not.
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v any) (driver.Value, error) {
	switch v.(type) {
	case []string, []byte:
		return v, nil
	}
	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(registry))
	return NewPostgresRepository(db, registry), mock
}

// TestPostgresSaveWithDeliveries tests the insert sequence: one events
// row then one deliveries row per group, all on the same handle
func TestPostgresSaveWithDeliveries(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(sqlmock.AnyArg(), events.TypeServerStarted, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deliveries")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "GroupA", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deliveries")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "GroupB", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	eventID, err := repo.SaveWithDeliveries(context.Background(),
		&events.ServerStarted{ID: "run-1"}, []string{"GroupA", "GroupB"}, "")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, eventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresClaimDeliveries tests the two-step claim: a skip-locked
// select followed by the status update to claimed
func TestPostgresClaimDeliveries(t *testing.T) {
	repo, mock := newMockRepo(t)

	deliveryID := uuid.New()
	eventID := uuid.New()
	created := time.Now().Add(-time.Minute)
	claimedAt := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF d SKIP LOCKED")).
		WithArgs("Group", []string{events.TypeServerStarted}, "", 10).
		WillReturnRows(sqlmock.
			NewRows([]string{"id", "event_id", "event_type", "payload", "created_at"}).
			AddRow(deliveryID, eventID, events.TypeServerStarted, []byte(`{"id":"run-1"}`), created))
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'claimed'")).
		WithArgs([]string{deliveryID.String()}).
		WillReturnRows(sqlmock.NewRows([]string{"claimed_at"}).AddRow(claimedAt))

	claimed, at, err := repo.ClaimDeliveries(context.Background(), ClaimRequest{
		ConsumerGroup: "Group",
		EventTypes:    []string{events.TypeServerStarted},
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, deliveryID, claimed[0].DeliveryID)
	assert.Equal(t, eventID, claimed[0].EventID)
	assert.Equal(t, &events.ServerStarted{ID: "run-1"}, claimed[0].Event)
	assert.Equal(t, claimedAt, at)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresClaimSkipsUndecodable tests that a row with an unknown
// event type is marked skipped rather than returned
func TestPostgresClaimSkipsUndecodable(t *testing.T) {
	repo, mock := newMockRepo(t)
	deliveryID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF d SKIP LOCKED")).
		WithArgs("Group", []string{"Unregistered"}, "", 1).
		WillReturnRows(sqlmock.
			NewRows([]string{"id", "event_id", "event_type", "payload", "created_at"}).
			AddRow(deliveryID, uuid.New(), "Unregistered", []byte(`{}`), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries")).
		WithArgs(deliveryID, "skipped", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, _, err := repo.ClaimDeliveries(context.Background(), ClaimRequest{
		ConsumerGroup: "Group",
		EventTypes:    []string{"Unregistered"},
		Limit:         1,
	})
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresMarkFailedWithRetry tests that the atomic retry statement's
// returned status is surfaced
func TestPostgresMarkFailedWithRetry(t *testing.T) {
	repo, mock := newMockRepo(t)
	deliveryID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("LEAST(retry_count + 1, $2)")).
		WithArgs(deliveryID, 3, "boom").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	status, err := repo.MarkFailedWithRetry(context.Background(), deliveryID, "boom", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresMarkDeliveryStatusNoRows tests the missing-row error path
func TestPostgresMarkDeliveryStatusNoRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	deliveryID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries")).
		WithArgs(deliveryID, "delivered", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkDeliveryStatus(context.Background(), deliveryID, StatusDelivered, "")
	assert.ErrorIs(t, err, ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresResetStaleDeliveries tests the janitor update and its
// affected-row count
func TestPostgresResetStaleDeliveries(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
		WithArgs(int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	reset, err := repo.ResetStaleDeliveries(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), reset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresCountEvents tests the type-filtered count
func TestPostgresCountEvents(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs([]string{events.TypeRecordPublished}).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := repo.CountEvents(context.Background(), []string{events.TypeRecordPublished})
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
