package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/runner"
	"github.com/openscience-archive/osa/pkg/service"
)

// PullFromSource runs a convention's source container for one chunk and
// turns its output stream into SourceRecordReady events. When the source
// reports more chunks, a continuation SourceRequested is appended in the
// same transaction, so a crash before commit re-runs the whole chunk.
type PullFromSource struct {
	files  *files.Layout
	runner runner.Runner
	logger zerolog.Logger
}

func NewPullFromSource(layout *files.Layout, r runner.Runner) *PullFromSource {
	return &PullFromSource{
		files:  layout,
		runner: r,
		logger: log.WithComponent("pipeline").With().Str("handler", "pull-from-source").Logger(),
	}
}

func (h *PullFromSource) Config() handler.Config {
	return handler.Config{
		Name:         "pull-from-source",
		EventTypes:   []string{events.TypeSourceRequested},
		Auth:         domain.AtLeast(domain.RoleSystem),
		ClaimTimeout: 15 * time.Minute,
	}
}

func (h *PullFromSource) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.SourceRequested)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	conv, err := uow.Stores.Conventions.Get(ctx, ev.ConventionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("convention %s does not exist", ev.ConventionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}
	if conv.Source == nil {
		return handler.Skip(fmt.Sprintf("convention %s has no source", conv.SRN))
	}

	runDir, err := h.files.SourceRunDir(conv.SRN, ev.RunID)
	if err != nil {
		return handler.Fail(err)
	}
	staging := files.StagingDir(runDir)
	output := files.OutputDir(runDir)

	extra := map[string]string{
		"OSA_RUN_ID": ev.RunID,
		"OSA_OFFSET": strconv.Itoa(ev.Offset),
	}
	if ev.Limit > 0 {
		extra["OSA_LIMIT"] = strconv.Itoa(ev.Limit)
	}
	if ev.Since != "" {
		extra["OSA_SINCE"] = ev.Since
	}
	if len(ev.Session) > 0 {
		session, err := json.Marshal(ev.Session)
		if err != nil {
			return handler.Failf("encode source session: %w", err)
		}
		extra["OSA_SESSION"] = string(session)
	}

	res, err := h.runner.Run(ctx, runner.Spec{
		ID:     fmt.Sprintf("source-%s-%d", ev.RunID, ev.Offset),
		Image:  conv.Source.Image,
		Digest: conv.Source.Digest,
		Env:    runner.ConfigEnv(conv.Source.Config, extra),
		Mounts: []runner.Mount{
			{HostPath: staging, ContainerPath: containerStagingDir},
			{HostPath: output, ContainerPath: containerOutputDir},
		},
	})
	if err != nil {
		return handler.Fail(err)
	}
	if res.ExitCode != 0 {
		return handler.Failf("source %s exited with code %d", conv.Source.Image, res.ExitCode)
	}

	it, err := runner.OpenRecords(output)
	if err != nil {
		return handler.Fail(err)
	}
	defer it.Close()

	count := 0
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return handler.Fail(err)
		}

		paths := make([]string, 0, len(rec.Files))
		for _, name := range rec.Files {
			if err := files.ValidateFileName(name); err != nil {
				return handler.Failf("source record %s: %w", rec.SourceID, err)
			}
			paths = append(paths, filepath.Join(staging, name))
		}
		if _, err := uow.Outbox.Append(ctx, events.SourceRecordReady{
			ConventionSRN: conv.SRN,
			RunID:         ev.RunID,
			SourceID:      rec.SourceID,
			Metadata:      rec.Metadata,
			FilePaths:     paths,
			StagingDir:    staging,
		}, ""); err != nil {
			return handler.Fail(err)
		}
		count++
	}

	session, err := runner.ReadSourceSession(output)
	if err != nil {
		return handler.Fail(err)
	}
	final := !(session.HasMore && count > 0)
	if !final {
		if _, err := uow.Outbox.Append(ctx, events.SourceRequested{
			ConventionSRN: conv.SRN,
			RunID:         ev.RunID,
			Limit:         ev.Limit,
			Offset:        ev.Offset + count,
			Since:         ev.Since,
			Session:       session.Session,
		}, ""); err != nil {
			return handler.Fail(err)
		}
	}
	if _, err := uow.Outbox.Append(ctx, events.SourceRunCompleted{
		ConventionSRN: conv.SRN,
		RunID:         ev.RunID,
		RecordCount:   count,
		IsFinalChunk:  final,
	}, ""); err != nil {
		return handler.Fail(err)
	}

	h.logger.Info().
		Str("convention", conv.SRN.String()).
		Str("run_id", ev.RunID).
		Int("records", count).
		Bool("final", final).
		Msg("Source chunk pulled")
	return handler.Ok()
}

// CreateDepositionFromSource ingests one pulled record as a deposition
// under the system identity: create, set metadata, move the staged files
// in, record provenance, submit. Re-pulls of the same source record are
// skipped via the provenance source_id.
type CreateDepositionFromSource struct {
	svc    *service.Service
	files  *files.Layout
	logger zerolog.Logger
}

func NewCreateDepositionFromSource(svc *service.Service, layout *files.Layout) *CreateDepositionFromSource {
	return &CreateDepositionFromSource{
		svc:    svc,
		files:  layout,
		logger: log.WithComponent("pipeline").With().Str("handler", "create-deposition-from-source").Logger(),
	}
}

func (h *CreateDepositionFromSource) Config() handler.Config {
	return handler.Config{
		Name:       "create-deposition-from-source",
		EventTypes: []string{events.TypeSourceRecordReady},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *CreateDepositionFromSource) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.SourceRecordReady)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	existing, err := uow.Stores.Depositions.FindBySourceID(ctx, ev.ConventionSRN, ev.SourceID)
	if err == nil {
		return handler.Skip(fmt.Sprintf("source record %s already ingested as %s", ev.SourceID, existing.SRN))
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return handler.Fail(err)
	}

	sys := domain.System()
	dep, err := h.svc.CreateDeposition(ctx, uow, sys, ev.ConventionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return handler.Skip(fmt.Sprintf("convention %s does not exist", ev.ConventionSRN))
	}
	if err != nil {
		return handler.Fail(err)
	}

	if len(ev.Metadata) > 0 {
		if err := h.svc.SetMetadata(ctx, uow, sys, dep.SRN, ev.Metadata); err != nil {
			return handler.Fail(err)
		}
	}

	dep, err = uow.Stores.Depositions.Get(ctx, dep.SRN)
	if err != nil {
		return handler.Fail(err)
	}
	now := time.Now().UTC()
	for _, staged := range ev.FilePaths {
		size, sum, err := h.files.ImportFile(dep.SRN, staged)
		if err != nil {
			return handler.Fail(err)
		}
		if err := dep.AddFile(domain.FileInfo{
			Name:       filepath.Base(staged),
			Size:       size,
			SHA256:     sum,
			UploadedAt: now,
		}, now); err != nil {
			return handler.Fail(err)
		}
	}
	dep.Provenance = map[string]any{
		"source_id": ev.SourceID,
		"run_id":    ev.RunID,
	}
	if err := uow.Stores.Depositions.Update(ctx, dep); err != nil {
		return handler.Fail(err)
	}

	if err := h.svc.Submit(ctx, uow, sys, dep.SRN); err != nil {
		if errors.Is(err, domain.ErrFileRequirements) {
			return handler.Skip(fmt.Sprintf("source record %s: %v", ev.SourceID, err))
		}
		return handler.Fail(err)
	}

	h.logger.Info().
		Str("deposition", dep.SRN.String()).
		Str("source_id", ev.SourceID).
		Int("files", len(ev.FilePaths)).
		Msg("Source record ingested")
	return handler.Ok()
}

// FlushIndexesOnSourceComplete flushes buffering index backends when a
// source run finishes its final chunk, then reclaims the run's working
// directory. Staged files whose SourceRecordReady deliveries are still
// pending survive the cleanup; the run directory goes away once the last
// of them has been imported.
type FlushIndexesOnSourceComplete struct {
	files   *files.Layout
	indexes *index.Registry
	logger  zerolog.Logger
}

func NewFlushIndexesOnSourceComplete(layout *files.Layout, indexes *index.Registry) *FlushIndexesOnSourceComplete {
	return &FlushIndexesOnSourceComplete{
		files:   layout,
		indexes: indexes,
		logger:  log.WithComponent("pipeline").With().Str("handler", "flush-indexes-on-source-complete").Logger(),
	}
}

func (h *FlushIndexesOnSourceComplete) Config() handler.Config {
	return handler.Config{
		Name:       "flush-indexes-on-source-complete",
		EventTypes: []string{events.TypeSourceRunCompleted},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *FlushIndexesOnSourceComplete) Handle(ctx context.Context, _ *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.SourceRunCompleted)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}
	if !ev.IsFinalChunk {
		return handler.Ok()
	}

	for _, name := range h.indexes.Names() {
		backend, _ := h.indexes.Get(name)
		flusher, ok := backend.(index.Flusher)
		if !ok {
			continue
		}
		if err := flusher.Flush(ctx); err != nil {
			return handler.Failf("flush index %s: %w", name, err)
		}
	}
	if err := h.files.CleanupSourceRun(ev.ConventionSRN, ev.RunID); err != nil {
		return handler.Fail(err)
	}

	h.logger.Info().
		Str("convention", ev.ConventionSRN.String()).
		Str("run_id", ev.RunID).
		Int("records", ev.RecordCount).
		Msg("Source run completed")
	return handler.Ok()
}
