package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/service"
)

// AutoApproveCuration approves a validated deposition automatically when
// its convention does not require a curator decision.
type AutoApproveCuration struct {
	logger zerolog.Logger
}

func NewAutoApproveCuration() *AutoApproveCuration {
	return &AutoApproveCuration{
		logger: log.WithComponent("pipeline").With().Str("handler", "auto-approve-curation").Logger(),
	}
}

func (h *AutoApproveCuration) Config() handler.Config {
	return handler.Config{
		Name:       "auto-approve-curation",
		EventTypes: []string{events.TypeValidationCompleted},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *AutoApproveCuration) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.ValidationCompleted)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}
	if ev.Status != "completed" {
		return handler.Skip(fmt.Sprintf("validation status %q is not approvable", ev.Status))
	}

	conv, err := uow.Stores.Conventions.Get(ctx, ev.ConventionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("convention %s does not exist", ev.ConventionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}
	if conv.ManualCuration {
		return handler.Skip(fmt.Sprintf("convention %s requires manual curation", conv.SRN))
	}

	if _, err := uow.Outbox.Append(ctx, events.DepositionApproved{
		DepositionSRN: ev.DepositionSRN,
		ConventionSRN: ev.ConventionSRN,
		Metadata:      ev.Metadata,
		Hooks:         ev.Hooks,
		FilesDir:      ev.FilesDir,
	}, ""); err != nil {
		return handler.Fail(err)
	}

	h.logger.Info().
		Str("deposition", ev.DepositionSRN.String()).
		Msg("Deposition auto-approved")
	return handler.Ok()
}

// ConvertDepositionToRecord publishes an approved deposition as a fresh
// version 1 record. Publication mints a new SRN every time, so a retried
// conversion can produce a second record; downstream consumers that care
// de-duplicate on the deposition SRN.
type ConvertDepositionToRecord struct {
	svc    *service.Service
	logger zerolog.Logger
}

func NewConvertDepositionToRecord(svc *service.Service) *ConvertDepositionToRecord {
	return &ConvertDepositionToRecord{
		svc:    svc,
		logger: log.WithComponent("pipeline").With().Str("handler", "convert-deposition-to-record").Logger(),
	}
}

func (h *ConvertDepositionToRecord) Config() handler.Config {
	return handler.Config{
		Name:       "convert-deposition-to-record",
		EventTypes: []string{events.TypeDepositionApproved},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *ConvertDepositionToRecord) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.DepositionApproved)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	rec, err := h.svc.Publish(ctx, uow, domain.System(), ev.DepositionSRN, ev.Metadata, ev.Hooks, ev.FilesDir)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("deposition %s does not exist", ev.DepositionSRN))
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Redelivery after a previous conversion already accepted it.
		return handler.Skip(fmt.Sprintf("deposition %s was already converted", ev.DepositionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}

	metrics.RecordsPublished.Inc()
	h.logger.Info().
		Str("deposition", ev.DepositionSRN.String()).
		Str("record", rec.SRN.String()).
		Msg("Record published")
	return handler.Ok()
}
