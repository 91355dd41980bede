package storage

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

func newMockStores(t *testing.T) (Stores, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return PostgresStores(db), mock
}

// TestPostgresDepositionCreate tests the insert and its derived columns
func TestPostgresDepositionCreate(t *testing.T) {
	stores, mock := newMockStores(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	dep, err := domain.NewDeposition(
		srn.MustParse("urn:osa:n1:dep:d-001"),
		srn.MustParse("urn:osa:n1:conv:imaging@1.0.0"),
		"system", now)
	require.NoError(t, err)
	dep.Provenance = map[string]any{"source_id": "ext-42"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO depositions")).
		WithArgs("urn:osa:n1:dep:d-001", "urn:osa:n1:conv:imaging@1.0.0",
			"draft", "ext-42", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, stores.Depositions.Create(context.Background(), dep))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresDepositionGet tests body round-trip and not-found mapping
func TestPostgresDepositionGet(t *testing.T) {
	stores, mock := newMockStores(t)
	id := srn.MustParse("urn:osa:n1:dep:d-001")

	dep, err := domain.NewDeposition(id,
		srn.MustParse("urn:osa:n1:conv:imaging@1.0.0"),
		"user-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	body, err := json.Marshal(dep)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM depositions WHERE srn = $1")).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	loaded, err := stores.Depositions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dep.SRN, loaded.SRN)
	assert.Equal(t, dep.Status, loaded.Status)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM depositions WHERE srn = $1")).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	_, err = stores.Depositions.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresDepositionUpdateNotFound tests the zero-row update path
func TestPostgresDepositionUpdateNotFound(t *testing.T) {
	stores, mock := newMockStores(t)

	dep, err := domain.NewDeposition(
		srn.MustParse("urn:osa:n1:dep:d-404"),
		srn.MustParse("urn:osa:n1:conv:imaging@1.0.0"),
		"user-1", time.Now())
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE depositions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = stores.Depositions.Update(context.Background(), dep)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresFeatureStoreDDL tests the generated CREATE TABLE shape
func TestPostgresFeatureStoreDDL(t *testing.T) {
	stores, mock := newMockStores(t)
	conv := srn.MustParse("urn:osa:n1:conv:imaging@1.0.0")
	hook := domain.HookSnapshot{
		Name: "qc",
		FeatureColumns: []domain.FeatureColumn{
			{Name: "score", Type: "double"},
			{Name: "details", Type: "json"},
		},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS features_n1_imaging_1_0_0_qc").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, stores.Features.EnsureTable(context.Background(), conv, hook))

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO features_n1_imaging_1_0_0_qc (record_srn, score, details) VALUES ($1, $2, $3)")).
		WithArgs("urn:osa:n1:rec:r-001@1", 0.9, []byte(`{"k":"v"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, stores.Features.InsertRows(context.Background(), conv, hook,
		srn.MustParse("urn:osa:n1:rec:r-001@1"),
		[]map[string]any{{"score": 0.9, "details": map[string]string{"k": "v"}}}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresFeatureStoreRejectsBadSchema tests that invalid schemas
// never reach the database
func TestPostgresFeatureStoreRejectsBadSchema(t *testing.T) {
	stores, mock := newMockStores(t)
	conv := srn.MustParse("urn:osa:n1:conv:imaging@1.0.0")
	hook := domain.HookSnapshot{
		Name:           "qc",
		FeatureColumns: []domain.FeatureColumn{{Name: "bad name", Type: "text"}},
	}

	err := stores.Features.EnsureTable(context.Background(), conv, hook)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid identifier")
	assert.NoError(t, mock.ExpectationsWereMet())
}
