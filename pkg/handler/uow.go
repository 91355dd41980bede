package handler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/storage"
)

// UnitOfWork scopes one transaction around a handler invocation: the
// business writes, the events appended alongside them, and the claim and
// acknowledgement of the delivery being processed all commit or roll back
// together.
type UnitOfWork struct {
	// Outbox appends and acknowledges events inside the transaction.
	Outbox *outbox.Outbox

	// Stores are the aggregate stores bound to the transaction.
	Stores storage.Stores

	commit   func() error
	rollback func() error
	done     bool
}

// Commit finishes the transaction. Calling it twice is a no-op.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.commit()
}

// Rollback abandons the transaction. Safe to defer after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.rollback()
}

// Factory opens units of work. The worker opens one per poll cycle;
// application services open one per operation.
type Factory interface {
	Begin(ctx context.Context) (*UnitOfWork, error)
}

// PostgresFactory opens one database transaction per unit of work.
type PostgresFactory struct {
	db       *sql.DB
	registry *events.TypeRegistry
	subs     *events.Subscriptions
}

// NewPostgresFactory creates a factory over an open database pool.
func NewPostgresFactory(db *sql.DB, registry *events.TypeRegistry, subs *events.Subscriptions) *PostgresFactory {
	return &PostgresFactory{db: db, registry: registry, subs: subs}
}

func (f *PostgresFactory) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &UnitOfWork{
		Outbox:   outbox.New(outbox.NewPostgresRepository(tx, f.registry), f.subs),
		Stores:   storage.PostgresStores(tx),
		commit:   tx.Commit,
		rollback: tx.Rollback,
	}, nil
}

// MemoryFactory hands out units of work over shared in-process state.
// There is no transactionality: writes land immediately and Rollback
// cannot undo them. Dev mode and tests only.
type MemoryFactory struct {
	repo   *outbox.MemoryRepository
	stores storage.Stores
	subs   *events.Subscriptions
}

// NewMemoryFactory creates a factory over shared in-memory state.
func NewMemoryFactory(repo *outbox.MemoryRepository, stores storage.Stores, subs *events.Subscriptions) *MemoryFactory {
	return &MemoryFactory{repo: repo, stores: stores, subs: subs}
}

func (f *MemoryFactory) Begin(context.Context) (*UnitOfWork, error) {
	return &UnitOfWork{
		Outbox:   outbox.New(f.repo, f.subs),
		Stores:   f.stores,
		commit:   func() error { return nil },
		rollback: func() error { return nil },
	}, nil
}
