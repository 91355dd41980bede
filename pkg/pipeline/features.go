package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/runner"
)

// CreateFeatureTables materializes the feature table of every
// feature-bearing hook of a newly registered convention, then announces
// the convention ready. A failed DDL rolls the whole unit of work back:
// no ConventionReady, delivery retried.
type CreateFeatureTables struct {
	logger zerolog.Logger
}

func NewCreateFeatureTables() *CreateFeatureTables {
	return &CreateFeatureTables{
		logger: log.WithComponent("pipeline").With().Str("handler", "create-feature-tables").Logger(),
	}
}

func (h *CreateFeatureTables) Config() handler.Config {
	return handler.Config{
		Name:       "create-feature-tables",
		EventTypes: []string{events.TypeConventionRegistered},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *CreateFeatureTables) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.ConventionRegistered)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	created := 0
	for _, hook := range ev.Hooks {
		if len(hook.FeatureColumns) == 0 {
			continue
		}
		if err := uow.Stores.Features.EnsureTable(ctx, ev.ConventionSRN, hook); err != nil {
			return handler.Failf("feature table for hook %s: %w", hook.Name, err)
		}
		created++
	}

	if _, err := uow.Outbox.Append(ctx, events.ConventionReady{
		ConventionSRN: ev.ConventionSRN,
	}, ""); err != nil {
		return handler.Fail(err)
	}

	h.logger.Info().
		Str("convention", ev.ConventionSRN.String()).
		Int("feature_tables", created).
		Msg("Convention ready")
	return handler.Ok()
}

// InsertRecordFeatures copies the feature rows each hook extracted during
// validation into that hook's feature table, keyed by the published
// record.
type InsertRecordFeatures struct {
	files  *files.Layout
	logger zerolog.Logger
}

func NewInsertRecordFeatures(layout *files.Layout) *InsertRecordFeatures {
	return &InsertRecordFeatures{
		files:  layout,
		logger: log.WithComponent("pipeline").With().Str("handler", "insert-record-features").Logger(),
	}
}

func (h *InsertRecordFeatures) Config() handler.Config {
	return handler.Config{
		Name:       "insert-record-features",
		EventTypes: []string{events.TypeRecordPublished},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *InsertRecordFeatures) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.RecordPublished)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	dep, err := uow.Stores.Depositions.Get(ctx, ev.DepositionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("deposition %s does not exist", ev.DepositionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}

	inserted := 0
	for _, hook := range ev.Hooks {
		if len(hook.FeatureColumns) == 0 {
			continue
		}
		hookDir, err := h.files.HookDir(ev.DepositionSRN, hook.Name)
		if err != nil {
			return handler.Fail(err)
		}
		rows, err := runner.ReadFeatureRows(hookDir)
		if err != nil {
			return handler.Failf("features of hook %s: %w", hook.Name, err)
		}
		if len(rows) == 0 {
			continue
		}
		if err := uow.Stores.Features.InsertRows(ctx, dep.ConventionSRN, hook, ev.RecordSRN, rows); err != nil {
			return handler.Fail(err)
		}
		inserted += len(rows)
	}

	if inserted > 0 {
		h.logger.Info().
			Str("record", ev.RecordSRN.String()).
			Int("rows", inserted).
			Msg("Feature rows inserted")
	}
	return handler.Ok()
}
