package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/runner"
	"github.com/openscience-archive/osa/pkg/service"
)

// ValidateDeposition runs a submitted deposition through its convention's
// hooks. The hook snapshots ride on the event, so validation does not
// re-load the convention; a convention edit after submit cannot change a
// run already in flight.
type ValidateDeposition struct {
	files  *files.Layout
	runner runner.Runner
	logger zerolog.Logger
}

func NewValidateDeposition(layout *files.Layout, r runner.Runner) *ValidateDeposition {
	return &ValidateDeposition{
		files:  layout,
		runner: r,
		logger: log.WithComponent("pipeline").With().Str("handler", "validate-deposition").Logger(),
	}
}

func (h *ValidateDeposition) Config() handler.Config {
	return handler.Config{
		Name:         "validate-deposition",
		EventTypes:   []string{events.TypeDepositionSubmitted},
		Auth:         domain.AtLeast(domain.RoleSystem),
		ClaimTimeout: 15 * time.Minute,
	}
}

func (h *ValidateDeposition) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.DepositionSubmitted)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	if len(ev.Hooks) == 0 {
		return h.complete(ctx, uow, ev, nil)
	}

	results := make([]events.HookResult, 0, len(ev.Hooks))
	var reasons []string
	for _, hook := range ev.Hooks {
		verdict, err := h.runHook(ctx, ev, hook)
		if err != nil {
			return handler.Fail(err)
		}
		metrics.HookRuns.WithLabelValues(hook.Name, verdict.Status).Inc()
		results = append(results, events.HookResult{
			Hook:   hook.Name,
			Status: verdict.Status,
			Reason: verdict.Reason,
		})
		if verdict.Status != "completed" {
			reason := verdict.Reason
			if reason == "" {
				reason = fmt.Sprintf("hook %s %s", hook.Name, verdict.Status)
			}
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		if _, err := uow.Outbox.Append(ctx, events.ValidationFailed{
			DepositionSRN: ev.DepositionSRN,
			Reasons:       reasons,
			Results:       results,
		}, ""); err != nil {
			return handler.Fail(err)
		}
		h.logger.Info().
			Str("deposition", ev.DepositionSRN.String()).
			Strs("reasons", reasons).
			Msg("Validation failed")
		return handler.Ok()
	}
	return h.complete(ctx, uow, ev, results)
}

// runHook executes one hook container and reads its verdict. A run that
// could not be carried out is an error (retried); a run that produced no
// usable verdict is a failed verdict.
func (h *ValidateDeposition) runHook(ctx context.Context, ev *events.DepositionSubmitted, hook domain.HookSnapshot) (runner.HookVerdict, error) {
	hookDir, err := h.files.HookDir(ev.DepositionSRN, hook.Name)
	if err != nil {
		return runner.HookVerdict{}, err
	}

	res, err := h.runner.Run(ctx, runner.Spec{
		ID:     fmt.Sprintf("hook-%s-%s", hook.Name, ev.DepositionSRN.LocalID()),
		Image:  hook.Image,
		Digest: hook.Digest,
		Env: runner.ConfigEnv(hook.Config, map[string]string{
			"OSA_DEPOSITION_SRN": ev.DepositionSRN.String(),
		}),
		Mounts: []runner.Mount{
			{HostPath: ev.FilesDir, ContainerPath: containerFilesDir, ReadOnly: true},
			{HostPath: hookDir, ContainerPath: containerOutputDir},
		},
	})
	if err != nil {
		return runner.HookVerdict{}, fmt.Errorf("run hook %s: %w", hook.Name, err)
	}
	if res.ExitCode != 0 {
		return runner.HookVerdict{
			Status: "failed",
			Reason: fmt.Sprintf("hook %s exited with code %d", hook.Name, res.ExitCode),
		}, nil
	}

	verdict, err := runner.ReadHookVerdict(hookDir)
	if err != nil {
		return runner.HookVerdict{
			Status: "failed",
			Reason: fmt.Sprintf("hook %s wrote no usable verdict: %v", hook.Name, err),
		}, nil
	}
	return verdict, nil
}

func (h *ValidateDeposition) complete(ctx context.Context, uow *handler.UnitOfWork, ev *events.DepositionSubmitted, results []events.HookResult) handler.Outcome {
	if _, err := uow.Outbox.Append(ctx, events.ValidationCompleted{
		DepositionSRN: ev.DepositionSRN,
		ConventionSRN: ev.ConventionSRN,
		Status:        "completed",
		Metadata:      ev.Metadata,
		Hooks:         ev.Hooks,
		FilesDir:      ev.FilesDir,
		Results:       results,
	}, ""); err != nil {
		return handler.Fail(err)
	}
	h.logger.Info().
		Str("deposition", ev.DepositionSRN.String()).
		Int("hooks", len(results)).
		Msg("Validation completed")
	return handler.Ok()
}

// ReturnToDraft moves a deposition whose validation failed back to draft
// so the depositor can amend and resubmit. A deposition that vanished in
// the meantime is fine.
type ReturnToDraft struct {
	svc    *service.Service
	logger zerolog.Logger
}

func NewReturnToDraft(svc *service.Service) *ReturnToDraft {
	return &ReturnToDraft{
		svc:    svc,
		logger: log.WithComponent("pipeline").With().Str("handler", "return-to-draft").Logger(),
	}
}

func (h *ReturnToDraft) Config() handler.Config {
	return handler.Config{
		Name:       "return-to-draft",
		EventTypes: []string{events.TypeValidationFailed},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *ReturnToDraft) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.ValidationFailed)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}
	err := h.svc.ReturnToDraft(ctx, uow, domain.System(), ev.DepositionSRN)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Redelivery after the deposition already moved on.
		return handler.Skip(fmt.Sprintf("deposition %s is no longer in validation", ev.DepositionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}
	h.logger.Info().
		Str("deposition", ev.DepositionSRN.String()).
		Msg("Deposition returned to draft")
	return handler.Ok()
}
