package domain

import (
	"fmt"
	"time"

	"github.com/openscience-archive/osa/pkg/srn"
)

// DepositionStatus is the lifecycle state of a deposition.
type DepositionStatus string

const (
	DepositionDraft        DepositionStatus = "draft"
	DepositionInValidation DepositionStatus = "in_validation"
	DepositionAccepted     DepositionStatus = "accepted"
	DepositionRejected     DepositionStatus = "rejected"
)

// FileInfo describes one file attached to a deposition. The bytes live on
// disk under the deposition's canonical files directory; the aggregate
// only tracks identity and integrity metadata.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	UploadedAt  time.Time `json:"uploaded_at"`
	ContentType string    `json:"content_type,omitempty"`
}

// Deposition is a submission-in-progress: metadata plus files, owned by a
// user (or the system identity for source-ingested ones), bound to a
// convention, and carried through draft → in_validation → accepted/rejected.
type Deposition struct {
	SRN           srn.SRN          `json:"srn"`
	Status        DepositionStatus `json:"status"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Files         []FileInfo       `json:"files,omitempty"`
	ConventionSRN srn.SRN          `json:"convention_srn"`
	OwnerID       string           `json:"owner_id"`
	RecordSRN     srn.SRN          `json:"record_srn,omitempty"`
	Provenance    map[string]any   `json:"provenance,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewDeposition creates a draft deposition bound to a convention.
func NewDeposition(id srn.SRN, conventionSRN srn.SRN, ownerID string, now time.Time) (*Deposition, error) {
	if id.Kind() != srn.KindDeposition {
		return nil, fmt.Errorf("deposition srn has kind %q, want %q", id.Kind(), srn.KindDeposition)
	}
	if conventionSRN.Kind() != srn.KindConvention {
		return nil, fmt.Errorf("convention srn has kind %q, want %q", conventionSRN.Kind(), srn.KindConvention)
	}
	return &Deposition{
		SRN:           id,
		Status:        DepositionDraft,
		ConventionSRN: conventionSRN,
		OwnerID:       ownerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SetMetadata replaces the deposition metadata. Draft only.
func (d *Deposition) SetMetadata(metadata map[string]any, now time.Time) error {
	if d.Status != DepositionDraft {
		return fmt.Errorf("set metadata on %s deposition: %w", d.Status, ErrNotDraft)
	}
	d.Metadata = metadata
	d.UpdatedAt = now
	return nil
}

// AddFile attaches a file entry. Draft only.
func (d *Deposition) AddFile(file FileInfo, now time.Time) error {
	if d.Status != DepositionDraft {
		return fmt.Errorf("add file to %s deposition: %w", d.Status, ErrNotDraft)
	}
	for _, existing := range d.Files {
		if existing.Name == file.Name {
			return fmt.Errorf("file %q already attached", file.Name)
		}
	}
	d.Files = append(d.Files, file)
	d.UpdatedAt = now
	return nil
}

// RemoveFile detaches a file entry by name. Draft only.
func (d *Deposition) RemoveFile(name string, now time.Time) error {
	if d.Status != DepositionDraft {
		return fmt.Errorf("remove file from %s deposition: %w", d.Status, ErrNotDraft)
	}
	for i, f := range d.Files {
		if f.Name == name {
			d.Files = append(d.Files[:i], d.Files[i+1:]...)
			d.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("file %q: %w", name, ErrNotFound)
}

// Submit moves the deposition from draft to in_validation. The convention's
// minimum file count must be satisfied.
func (d *Deposition) Submit(conv *Convention, now time.Time) error {
	if d.Status != DepositionDraft {
		return fmt.Errorf("submit %s deposition: %w", d.Status, ErrInvalidTransition)
	}
	if len(d.Files) < conv.FileRequirements.MinCount {
		return fmt.Errorf("deposition has %d files, convention requires %d: %w",
			len(d.Files), conv.FileRequirements.MinCount, ErrFileRequirements)
	}
	if max := conv.FileRequirements.MaxCount; max > 0 && len(d.Files) > max {
		return fmt.Errorf("deposition has %d files, convention allows at most %d: %w",
			len(d.Files), max, ErrFileRequirements)
	}
	d.Status = DepositionInValidation
	d.UpdatedAt = now
	return nil
}

// ReturnToDraft moves an in_validation deposition back to draft, typically
// after a failed validation run.
func (d *Deposition) ReturnToDraft(now time.Time) error {
	if d.Status != DepositionInValidation {
		return fmt.Errorf("return %s deposition to draft: %w", d.Status, ErrInvalidTransition)
	}
	d.Status = DepositionDraft
	d.UpdatedAt = now
	return nil
}

// Accept marks the deposition accepted and links the published record.
func (d *Deposition) Accept(recordSRN srn.SRN, now time.Time) error {
	if d.Status != DepositionInValidation {
		return fmt.Errorf("accept %s deposition: %w", d.Status, ErrInvalidTransition)
	}
	d.Status = DepositionAccepted
	d.RecordSRN = recordSRN
	d.UpdatedAt = now
	return nil
}

// Reject marks the deposition rejected.
func (d *Deposition) Reject(now time.Time) error {
	if d.Status != DepositionInValidation {
		return fmt.Errorf("reject %s deposition: %w", d.Status, ErrInvalidTransition)
	}
	d.Status = DepositionRejected
	d.UpdatedAt = now
	return nil
}
