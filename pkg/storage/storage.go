package storage

import (
	"context"
	"database/sql"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// stores can be bound to the unit of work's open transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ListOptions pages store listings.
type ListOptions struct {
	Limit  int
	Offset int
}

// DepositionStore persists deposition aggregates.
type DepositionStore interface {
	// Create inserts a new deposition; the SRN must be unused.
	Create(ctx context.Context, dep *domain.Deposition) error

	// Get loads one deposition, domain.ErrNotFound if absent.
	Get(ctx context.Context, id srn.SRN) (*domain.Deposition, error)

	// Update replaces the stored aggregate.
	Update(ctx context.Context, dep *domain.Deposition) error

	// ListByConvention pages depositions bound to one convention, newest
	// first.
	ListByConvention(ctx context.Context, conventionSRN srn.SRN, opts ListOptions) ([]*domain.Deposition, error)

	// FindBySourceID locates the deposition ingested from an upstream
	// source record, identified by the source_id recorded in its
	// provenance. Used to keep source re-pulls idempotent.
	FindBySourceID(ctx context.Context, conventionSRN srn.SRN, sourceID string) (*domain.Deposition, error)
}

// ConventionStore persists immutable convention aggregates.
type ConventionStore interface {
	// Create inserts a new convention version; the SRN must be unused.
	Create(ctx context.Context, conv *domain.Convention) error

	// Get loads one convention version, domain.ErrNotFound if absent.
	Get(ctx context.Context, id srn.SRN) (*domain.Convention, error)

	// List pages all conventions, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.Convention, error)
}

// RecordStore persists published records.
type RecordStore interface {
	// Create inserts a published record; the SRN must be unused.
	Create(ctx context.Context, rec *domain.Record) error

	// Get loads one record, domain.ErrNotFound if absent.
	Get(ctx context.Context, id srn.SRN) (*domain.Record, error)

	// List pages all records, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.Record, error)

	// SetIndexEntry upserts the projection bookkeeping for one backend.
	SetIndexEntry(ctx context.Context, id srn.SRN, backend string, entry domain.IndexEntry) error
}

// FeatureStore manages the per-(convention, hook) feature tables and their
// rows. Table shapes come from hook manifests at convention registration;
// rows arrive when records are published.
type FeatureStore interface {
	// EnsureTable creates the feature table for one hook if it does not
	// exist yet. Idempotent.
	EnsureTable(ctx context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot) error

	// InsertRows appends feature rows for one published record. Each row
	// maps declared column names to values.
	InsertRows(ctx context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot, recordSRN srn.SRN, rows []map[string]any) error
}

// Stores bundles every store one unit of work exposes, all bound to the
// same transaction.
type Stores struct {
	Depositions DepositionStore
	Conventions ConventionStore
	Records     RecordStore
	Features    FeatureStore
}
