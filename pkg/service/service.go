// Package service implements the application operations of the archive:
// convention registration, the deposition lifecycle, and record
// publication. Every operation runs inside a caller-provided unit of work
// and starts with an authorization gate; the pipeline invokes the same
// operations under the system identity.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/srn"
	"github.com/openscience-archive/osa/pkg/storage"
)

// Operation gates. The content of these policies is deliberately coarse;
// the gate mechanism is what matters.
var (
	PolicyRegisterConvention = domain.AtLeast(domain.RoleAdmin)
	PolicyDeposit            = domain.AtLeast(domain.RoleDepositor)
	PolicyCurate             = domain.AtLeast(domain.RoleCurator)
)

// Service executes application operations over a unit of work.
type Service struct {
	files *files.Layout
	now   func() time.Time
}

// New creates a service writing deposition files through layout.
func New(layout *files.Layout) *Service {
	return &Service{files: layout, now: time.Now}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func guard(p domain.Policy, ident domain.Identity) error {
	if !p.Allows(ident) {
		return fmt.Errorf("identity %s (%s): %w", ident.UserID, ident.Role, domain.ErrForbidden)
	}
	return nil
}

// canTouch reports whether ident may mutate dep: the owner, curators and
// above, or the system identity.
func canTouch(ident domain.Identity, dep *domain.Deposition) bool {
	return ident.IsSystem() || ident.Role >= domain.RoleCurator || ident.UserID == dep.OwnerID
}

// RegisterConvention persists a new convention version and announces it.
// Feature table creation happens asynchronously in the pipeline; the
// convention is not ready for source ingestion until ConventionReady.
func (s *Service) RegisterConvention(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, conv *domain.Convention) error {
	if err := guard(PolicyRegisterConvention, ident); err != nil {
		return err
	}
	if conv.SRN.Kind() != srn.KindConvention {
		return fmt.Errorf("convention srn has kind %q, want %q", conv.SRN.Kind(), srn.KindConvention)
	}
	if conv.SchemaSRN.Kind() != srn.KindSchema {
		return fmt.Errorf("schema srn has kind %q, want %q", conv.SchemaSRN.Kind(), srn.KindSchema)
	}
	for _, hook := range conv.Hooks {
		if hook.Manifest.Name == "" {
			return fmt.Errorf("convention %s: hook with empty name", conv.SRN)
		}
		if err := storage.ValidateFeatureSchema(hook.Manifest.FeatureSchema); err != nil {
			return fmt.Errorf("hook %q: %w", hook.Manifest.Name, err)
		}
	}

	conv.CreatedAt = s.now().UTC()
	if err := uow.Stores.Conventions.Create(ctx, conv); err != nil {
		return fmt.Errorf("persist convention %s: %w", conv.SRN, err)
	}
	_, err := uow.Outbox.Append(ctx, events.ConventionRegistered{
		ConventionSRN: conv.SRN,
		Hooks:         conv.HookSnapshots(),
	}, "")
	return err
}

// CreateDeposition opens a draft deposition against a convention.
func (s *Service) CreateDeposition(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, conventionSRN srn.SRN) (*domain.Deposition, error) {
	if err := guard(PolicyDeposit, ident); err != nil {
		return nil, err
	}
	conv, err := uow.Stores.Conventions.Get(ctx, conventionSRN)
	if err != nil {
		return nil, fmt.Errorf("load convention %s: %w", conventionSRN, err)
	}

	id, err := srn.New(conv.SRN.Domain(), srn.KindDeposition, uuid.NewString(), "")
	if err != nil {
		return nil, err
	}
	dep, err := domain.NewDeposition(id, conv.SRN, ident.UserID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := uow.Stores.Depositions.Create(ctx, dep); err != nil {
		return nil, fmt.Errorf("persist deposition %s: %w", id, err)
	}
	return dep, nil
}

// SetMetadata replaces a draft deposition's metadata.
func (s *Service) SetMetadata(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN, metadata map[string]any) error {
	dep, err := s.loadOwned(ctx, uow, ident, depositionSRN)
	if err != nil {
		return err
	}
	if err := dep.SetMetadata(metadata, s.now().UTC()); err != nil {
		return err
	}
	return uow.Stores.Depositions.Update(ctx, dep)
}

// UploadFile streams one file into a draft deposition's directory and
// records it on the aggregate. The convention's file requirements are
// enforced here for size and content type; counts are enforced at submit.
func (s *Service) UploadFile(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN, name, contentType string, content io.Reader) (domain.FileInfo, error) {
	dep, err := s.loadOwned(ctx, uow, ident, depositionSRN)
	if err != nil {
		return domain.FileInfo{}, err
	}
	conv, err := uow.Stores.Conventions.Get(ctx, dep.ConventionSRN)
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("load convention %s: %w", dep.ConventionSRN, err)
	}
	if types := conv.FileRequirements.AcceptedTypes; len(types) > 0 && contentType != "" {
		accepted := false
		for _, t := range types {
			if t == contentType {
				accepted = true
				break
			}
		}
		if !accepted {
			return domain.FileInfo{}, fmt.Errorf("content type %q: %w", contentType, domain.ErrFileRequirements)
		}
	}

	size, sum, err := s.files.SaveFile(dep.SRN, name, content)
	if err != nil {
		return domain.FileInfo{}, err
	}
	if max := conv.FileRequirements.MaxFileSize; max > 0 && size > max {
		_ = s.files.RemoveFile(dep.SRN, name)
		return domain.FileInfo{}, fmt.Errorf("file %q is %d bytes, convention allows %d: %w",
			name, size, max, domain.ErrFileRequirements)
	}

	info := domain.FileInfo{
		Name:        name,
		Size:        size,
		SHA256:      sum,
		UploadedAt:  s.now().UTC(),
		ContentType: contentType,
	}
	if err := dep.AddFile(info, s.now().UTC()); err != nil {
		_ = s.files.RemoveFile(dep.SRN, name)
		return domain.FileInfo{}, err
	}
	if err := uow.Stores.Depositions.Update(ctx, dep); err != nil {
		return domain.FileInfo{}, err
	}
	return info, nil
}

// RemoveFile detaches and deletes one draft deposition file.
func (s *Service) RemoveFile(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN, name string) error {
	dep, err := s.loadOwned(ctx, uow, ident, depositionSRN)
	if err != nil {
		return err
	}
	if err := dep.RemoveFile(name, s.now().UTC()); err != nil {
		return err
	}
	if err := uow.Stores.Depositions.Update(ctx, dep); err != nil {
		return err
	}
	return s.files.RemoveFile(dep.SRN, name)
}

// Submit moves a draft deposition into validation and starts the
// validation leg of the pipeline.
func (s *Service) Submit(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN) error {
	dep, err := s.loadOwned(ctx, uow, ident, depositionSRN)
	if err != nil {
		return err
	}
	conv, err := uow.Stores.Conventions.Get(ctx, dep.ConventionSRN)
	if err != nil {
		return fmt.Errorf("load convention %s: %w", dep.ConventionSRN, err)
	}
	if err := dep.Submit(conv, s.now().UTC()); err != nil {
		return err
	}
	if err := uow.Stores.Depositions.Update(ctx, dep); err != nil {
		return err
	}

	filesDir, err := s.files.DepositionDir(dep.SRN)
	if err != nil {
		return err
	}
	_, err = uow.Outbox.Append(ctx, events.DepositionSubmitted{
		DepositionSRN: dep.SRN,
		ConventionSRN: conv.SRN,
		Metadata:      dep.Metadata,
		Hooks:         conv.HookSnapshots(),
		FilesDir:      filesDir,
	}, "")
	return err
}

// Approve releases an in-validation deposition for publication. This is
// the manual-curation decision; conventions without manual curation are
// approved automatically by the pipeline after validation.
func (s *Service) Approve(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN) error {
	if err := guard(PolicyCurate, ident); err != nil {
		return err
	}
	dep, err := uow.Stores.Depositions.Get(ctx, depositionSRN)
	if err != nil {
		return err
	}
	if dep.Status != domain.DepositionInValidation {
		return fmt.Errorf("approve %s deposition: %w", dep.Status, domain.ErrInvalidTransition)
	}
	conv, err := uow.Stores.Conventions.Get(ctx, dep.ConventionSRN)
	if err != nil {
		return fmt.Errorf("load convention %s: %w", dep.ConventionSRN, err)
	}
	filesDir, err := s.files.DepositionDir(dep.SRN)
	if err != nil {
		return err
	}
	_, err = uow.Outbox.Append(ctx, events.DepositionApproved{
		DepositionSRN: dep.SRN,
		ConventionSRN: conv.SRN,
		Metadata:      dep.Metadata,
		Hooks:         conv.HookSnapshots(),
		FilesDir:      filesDir,
	}, "")
	return err
}

// Reject terminally rejects an in-validation deposition.
func (s *Service) Reject(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN) error {
	if err := guard(PolicyCurate, ident); err != nil {
		return err
	}
	dep, err := uow.Stores.Depositions.Get(ctx, depositionSRN)
	if err != nil {
		return err
	}
	if err := dep.Reject(s.now().UTC()); err != nil {
		return err
	}
	return uow.Stores.Depositions.Update(ctx, dep)
}

// ReturnToDraft moves an in-validation deposition back to draft after a
// failed validation run. A missing deposition is not an error: the
// aggregate may have been rejected or removed while the event was queued.
func (s *Service) ReturnToDraft(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN) error {
	if err := guard(PolicyCurate, ident); err != nil {
		return err
	}
	dep, err := uow.Stores.Depositions.Get(ctx, depositionSRN)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := dep.ReturnToDraft(s.now().UTC()); err != nil {
		return err
	}
	return uow.Stores.Depositions.Update(ctx, dep)
}

// Publish converts an approved deposition into an immutable version 1
// record, links it back to the deposition, and announces it. Every call
// mints a fresh record SRN; publication never updates in place.
func (s *Service) Publish(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN, metadata map[string]any, hooks []domain.HookSnapshot, filesDir string) (*domain.Record, error) {
	if err := guard(PolicyCurate, ident); err != nil {
		return nil, err
	}
	dep, err := uow.Stores.Depositions.Get(ctx, depositionSRN)
	if err != nil {
		return nil, err
	}

	id, err := srn.New(dep.SRN.Domain(), srn.KindRecord, uuid.NewString(), "1")
	if err != nil {
		return nil, err
	}
	rec, err := domain.NewRecord(id, dep.SRN, metadata, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := uow.Stores.Records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record %s: %w", id, err)
	}

	if err := dep.Accept(rec.SRN, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := uow.Stores.Depositions.Update(ctx, dep); err != nil {
		return nil, err
	}

	if _, err := uow.Outbox.Append(ctx, events.RecordPublished{
		RecordSRN:     rec.SRN,
		DepositionSRN: dep.SRN,
		Metadata:      metadata,
		Hooks:         hooks,
		FilesDir:      filesDir,
	}, ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// ValidationReasons returns the reasons list from the newest failed
// validation of a deposition, empty if it never failed.
func (s *Service) ValidationReasons(ctx context.Context, uow *handler.UnitOfWork, depositionSRN srn.SRN) ([]string, error) {
	stored, err := uow.Outbox.FindLatestByField(ctx, events.TypeValidationFailed, "deposition_srn", depositionSRN.String())
	if errors.Is(err, outbox.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var failed events.ValidationFailed
	if err := json.Unmarshal(stored.Payload, &failed); err != nil {
		return nil, fmt.Errorf("decode validation failure %s: %w", stored.ID, err)
	}
	return failed.Reasons, nil
}

func (s *Service) loadOwned(ctx context.Context, uow *handler.UnitOfWork, ident domain.Identity, depositionSRN srn.SRN) (*domain.Deposition, error) {
	if err := guard(PolicyDeposit, ident); err != nil {
		return nil, err
	}
	dep, err := uow.Stores.Depositions.Get(ctx, depositionSRN)
	if err != nil {
		return nil, err
	}
	if !canTouch(ident, dep) {
		return nil, fmt.Errorf("deposition %s is owned by %s: %w", dep.SRN, dep.OwnerID, domain.ErrForbidden)
	}
	return dep, nil
}
