package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

// Aggregates persist as one JSONB body per row plus the columns queries
// filter on. The body is canonical; the extracted columns are derived on
// every write.

const (
	sqlInsertDeposition = `
		INSERT INTO depositions (srn, convention_srn, status, source_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlUpdateDeposition = `
		UPDATE depositions
		SET convention_srn = $2, status = $3, source_id = $4, body = $5, updated_at = $6
		WHERE srn = $1`

	sqlGetDeposition = `SELECT body FROM depositions WHERE srn = $1`

	sqlListDepositionsByConvention = `
		SELECT body FROM depositions
		WHERE convention_srn = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	sqlFindDepositionBySourceID = `
		SELECT body FROM depositions
		WHERE convention_srn = $1 AND source_id = $2
		ORDER BY created_at DESC
		LIMIT 1`

	sqlInsertConvention = `
		INSERT INTO conventions (srn, body, created_at)
		VALUES ($1, $2, $3)`

	sqlGetConvention = `SELECT body FROM conventions WHERE srn = $1`

	sqlListConventions = `
		SELECT body FROM conventions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	sqlInsertRecord = `
		INSERT INTO records (srn, deposition_srn, body, published_at)
		VALUES ($1, $2, $3, $4)`

	sqlGetRecord = `SELECT body FROM records WHERE srn = $1`

	sqlListRecords = `
		SELECT body FROM records
		ORDER BY published_at DESC
		LIMIT $1 OFFSET $2`

	sqlSetIndexEntry = `
		UPDATE records
		SET body = jsonb_set(body, ARRAY['indexes', $2::text], $3::jsonb, true)
		WHERE srn = $1`
)

// PostgresStores builds all relational stores over one handle.
func PostgresStores(db DBTX) Stores {
	return Stores{
		Depositions: &PostgresDepositionStore{db: db},
		Conventions: &PostgresConventionStore{db: db},
		Records:     &PostgresRecordStore{db: db},
		Features:    &PostgresFeatureStore{db: db},
	}
}

// PostgresDepositionStore implements DepositionStore over Postgres.
type PostgresDepositionStore struct {
	db DBTX
}

func NewPostgresDepositionStore(db DBTX) *PostgresDepositionStore {
	return &PostgresDepositionStore{db: db}
}

func (s *PostgresDepositionStore) Create(ctx context.Context, dep *domain.Deposition) error {
	body, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deposition %s: %w", dep.SRN, err)
	}
	_, err = s.db.ExecContext(ctx, sqlInsertDeposition,
		dep.SRN.String(), dep.ConventionSRN.String(), string(dep.Status),
		provenanceSourceID(dep), body, dep.CreatedAt, dep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert deposition %s: %w", dep.SRN, err)
	}
	return nil
}

func (s *PostgresDepositionStore) Get(ctx context.Context, id srn.SRN) (*domain.Deposition, error) {
	return scanBody[domain.Deposition](s.db.QueryRowContext(ctx, sqlGetDeposition, id.String()), "deposition")
}

func (s *PostgresDepositionStore) Update(ctx context.Context, dep *domain.Deposition) error {
	body, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deposition %s: %w", dep.SRN, err)
	}
	res, err := s.db.ExecContext(ctx, sqlUpdateDeposition,
		dep.SRN.String(), dep.ConventionSRN.String(), string(dep.Status),
		provenanceSourceID(dep), body, dep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update deposition %s: %w", dep.SRN, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deposition %s rows affected: %w", dep.SRN, err)
	}
	if affected == 0 {
		return fmt.Errorf("deposition %s: %w", dep.SRN, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresDepositionStore) ListByConvention(ctx context.Context, conventionSRN srn.SRN, opts ListOptions) ([]*domain.Deposition, error) {
	return scanBodies[domain.Deposition](ctx, s.db, sqlListDepositionsByConvention, "depositions",
		conventionSRN.String(), listLimit(opts), opts.Offset)
}

func (s *PostgresDepositionStore) FindBySourceID(ctx context.Context, conventionSRN srn.SRN, sourceID string) (*domain.Deposition, error) {
	return scanBody[domain.Deposition](
		s.db.QueryRowContext(ctx, sqlFindDepositionBySourceID, conventionSRN.String(), sourceID),
		"deposition")
}

// PostgresConventionStore implements ConventionStore over Postgres.
type PostgresConventionStore struct {
	db DBTX
}

func NewPostgresConventionStore(db DBTX) *PostgresConventionStore {
	return &PostgresConventionStore{db: db}
}

func (s *PostgresConventionStore) Create(ctx context.Context, conv *domain.Convention) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal convention %s: %w", conv.SRN, err)
	}
	if _, err := s.db.ExecContext(ctx, sqlInsertConvention, conv.SRN.String(), body, conv.CreatedAt); err != nil {
		return fmt.Errorf("insert convention %s: %w", conv.SRN, err)
	}
	return nil
}

func (s *PostgresConventionStore) Get(ctx context.Context, id srn.SRN) (*domain.Convention, error) {
	return scanBody[domain.Convention](s.db.QueryRowContext(ctx, sqlGetConvention, id.String()), "convention")
}

func (s *PostgresConventionStore) List(ctx context.Context, opts ListOptions) ([]*domain.Convention, error) {
	return scanBodies[domain.Convention](ctx, s.db, sqlListConventions, "conventions",
		listLimit(opts), opts.Offset)
}

// PostgresRecordStore implements RecordStore over Postgres.
type PostgresRecordStore struct {
	db DBTX
}

func NewPostgresRecordStore(db DBTX) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Create(ctx context.Context, rec *domain.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.SRN, err)
	}
	_, err = s.db.ExecContext(ctx, sqlInsertRecord,
		rec.SRN.String(), rec.DepositionSRN.String(), body, rec.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.SRN, err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id srn.SRN) (*domain.Record, error) {
	return scanBody[domain.Record](s.db.QueryRowContext(ctx, sqlGetRecord, id.String()), "record")
}

func (s *PostgresRecordStore) List(ctx context.Context, opts ListOptions) ([]*domain.Record, error) {
	return scanBodies[domain.Record](ctx, s.db, sqlListRecords, "records", listLimit(opts), opts.Offset)
}

func (s *PostgresRecordStore) SetIndexEntry(ctx context.Context, id srn.SRN, backend string, entry domain.IndexEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal index entry for %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, sqlSetIndexEntry, id.String(), backend, value)
	if err != nil {
		return fmt.Errorf("set index entry %s/%s: %w", id, backend, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set index entry %s/%s rows affected: %w", id, backend, err)
	}
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func provenanceSourceID(dep *domain.Deposition) string {
	if dep.Provenance == nil {
		return ""
	}
	id, _ := dep.Provenance["source_id"].(string)
	return id
}

func listLimit(opts ListOptions) int {
	if opts.Limit <= 0 {
		return 50
	}
	return opts.Limit
}

func scanBody[T any](row *sql.Row, what string) (*T, error) {
	var body []byte
	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", what, err)
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return &out, nil
}

func scanBodies[T any](ctx context.Context, db DBTX, query, what string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", what, err)
		}
		var item T
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %s row: %w", what, err)
		}
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", what, err)
	}
	return out, nil
}
