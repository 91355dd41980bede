package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/storage"
)

// TriggerInitialSourceRun fires the one-shot pull a convention's source
// declares. It runs on ConventionReady for fresh conventions, and on
// ServerStarted it sweeps for conventions whose initial run never
// happened, so a pool that crashed between registration and readiness
// still catches up.
type TriggerInitialSourceRun struct {
	logger zerolog.Logger
}

func NewTriggerInitialSourceRun() *TriggerInitialSourceRun {
	return &TriggerInitialSourceRun{
		logger: log.WithComponent("pipeline").With().Str("handler", "trigger-initial-source-run").Logger(),
	}
}

func (h *TriggerInitialSourceRun) Config() handler.Config {
	return handler.Config{
		Name:       "trigger-initial-source-run",
		EventTypes: []string{events.TypeConventionReady, events.TypeServerStarted},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *TriggerInitialSourceRun) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	switch ev := e.(type) {
	case *events.ConventionReady:
		return h.handleReady(ctx, uow, ev)
	case *events.ServerStarted:
		return h.handleStartup(ctx, uow)
	default:
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}
}

func (h *TriggerInitialSourceRun) handleReady(ctx context.Context, uow *handler.UnitOfWork, ev *events.ConventionReady) handler.Outcome {
	conv, err := uow.Stores.Conventions.Get(ctx, ev.ConventionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("convention %s does not exist", ev.ConventionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}
	if err := h.trigger(ctx, uow, conv); err != nil {
		return handler.Fail(err)
	}
	return handler.Ok()
}

// handleStartup re-triggers initial runs that were registered but never
// requested, detected by the absence of any SourceRequested for the
// convention.
func (h *TriggerInitialSourceRun) handleStartup(ctx context.Context, uow *handler.UnitOfWork) handler.Outcome {
	for offset := 0; ; offset += 200 {
		conventions, err := uow.Stores.Conventions.List(ctx, storage.ListOptions{Limit: 200, Offset: offset})
		if err != nil {
			return handler.Fail(err)
		}
		if len(conventions) == 0 {
			return handler.Ok()
		}
		for _, conv := range conventions {
			if conv.Source == nil || conv.Source.InitialRun == nil {
				continue
			}
			_, err := uow.Outbox.FindLatestByField(ctx,
				events.TypeSourceRequested, "convention_srn", conv.SRN.String())
			if err == nil {
				continue
			}
			if !errors.Is(err, outbox.ErrNoRows) {
				return handler.Fail(err)
			}
			if err := h.trigger(ctx, uow, conv); err != nil {
				return handler.Fail(err)
			}
		}
	}
}

func (h *TriggerInitialSourceRun) trigger(ctx context.Context, uow *handler.UnitOfWork, conv *domain.Convention) error {
	if conv.Source == nil || conv.Source.InitialRun == nil {
		return nil
	}
	_, err := uow.Outbox.Append(ctx, events.SourceRequested{
		ConventionSRN: conv.SRN,
		RunID:         uuid.NewString(),
		Limit:         conv.Source.InitialRun.Limit,
	}, "")
	if err != nil {
		return err
	}
	h.logger.Info().
		Str("convention", conv.SRN.String()).
		Int("limit", conv.Source.InitialRun.Limit).
		Msg("Initial source run requested")
	return nil
}
