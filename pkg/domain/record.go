package domain

import (
	"fmt"
	"time"

	"github.com/openscience-archive/osa/pkg/srn"
)

// IndexEntry records the projection of a record into one search backend.
type IndexEntry struct {
	ExternalID string     `json:"external_id"`
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}

// Record is the immutable published artifact produced from an accepted
// deposition. Publish always creates version 1 of a fresh SRN; records are
// never updated in place.
type Record struct {
	SRN           srn.SRN               `json:"srn"`
	DepositionSRN srn.SRN               `json:"deposition_srn"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Indexes       map[string]IndexEntry `json:"indexes,omitempty"`
	PublishedAt   time.Time             `json:"published_at"`
}

// NewRecord publishes a record from a deposition's enriched metadata.
func NewRecord(id srn.SRN, depositionSRN srn.SRN, metadata map[string]any, now time.Time) (*Record, error) {
	if id.Kind() != srn.KindRecord {
		return nil, fmt.Errorf("record srn has kind %q, want %q", id.Kind(), srn.KindRecord)
	}
	if id.RecordVersion() != 1 {
		return nil, fmt.Errorf("records publish at version 1, got %d", id.RecordVersion())
	}
	if depositionSRN.Kind() != srn.KindDeposition {
		return nil, fmt.Errorf("deposition srn has kind %q, want %q", depositionSRN.Kind(), srn.KindDeposition)
	}
	return &Record{
		SRN:           id,
		DepositionSRN: depositionSRN,
		Metadata:      metadata,
		Indexes:       make(map[string]IndexEntry),
		PublishedAt:   now,
	}, nil
}
