package events

import (
	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

// Event is a domain event appended to the outbox. EventType returns the
// stable type discriminator persisted in the events table; payloads are
// the event's exported fields serialized as JSON.
type Event interface {
	EventType() string
}

// Event type discriminators. These are wire-stable names: renaming one is
// a schema migration for every persisted event of that type.
const (
	TypeServerStarted        = "ServerStarted"
	TypeSourceRequested      = "SourceRequested"
	TypeSourceRecordReady    = "SourceRecordReady"
	TypeSourceRunCompleted   = "SourceRunCompleted"
	TypeDepositionSubmitted  = "DepositionSubmitted"
	TypeValidationCompleted  = "ValidationCompleted"
	TypeValidationFailed     = "ValidationFailed"
	TypeDepositionApproved   = "DepositionApproved"
	TypeRecordPublished      = "RecordPublished"
	TypeIndexRecord          = "IndexRecord"
	TypeConventionRegistered = "ConventionRegistered"
	TypeConventionReady      = "ConventionReady"
)

// ServerStarted is the synthetic one-shot event appended when the worker
// pool starts, before workers begin polling.
type ServerStarted struct {
	ID string `json:"id"`
}

func (ServerStarted) EventType() string { return TypeServerStarted }

// SourceRequested asks the source handler to pull a chunk of records from
// a convention's upstream source. Continuation chunks carry the opaque
// session returned by the previous run plus an advanced offset.
type SourceRequested struct {
	ConventionSRN srn.SRN        `json:"convention_srn"`
	RunID         string         `json:"run_id"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	Since         string         `json:"since,omitempty"`
	Session       map[string]any `json:"session,omitempty"`
}

func (SourceRequested) EventType() string { return TypeSourceRequested }

// SourceRecordReady carries one pulled record with its staged files.
type SourceRecordReady struct {
	ConventionSRN srn.SRN        `json:"convention_srn"`
	RunID         string         `json:"run_id"`
	SourceID      string         `json:"source_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FilePaths     []string       `json:"file_paths,omitempty"`
	StagingDir    string         `json:"staging_dir"`
}

func (SourceRecordReady) EventType() string { return TypeSourceRecordReady }

// SourceRunCompleted closes one chunk of a source run. IsFinalChunk is
// false when a continuation SourceRequested was emitted alongside it.
type SourceRunCompleted struct {
	ConventionSRN srn.SRN `json:"convention_srn"`
	RunID         string  `json:"run_id"`
	RecordCount   int     `json:"record_count"`
	IsFinalChunk  bool    `json:"is_final_chunk"`
}

func (SourceRunCompleted) EventType() string { return TypeSourceRunCompleted }

// DepositionSubmitted starts the validation leg of the pipeline. It
// carries everything validation needs so the handler does not have to
// re-load the convention.
type DepositionSubmitted struct {
	DepositionSRN srn.SRN               `json:"deposition_srn"`
	ConventionSRN srn.SRN               `json:"convention_srn"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Hooks         []domain.HookSnapshot `json:"hooks,omitempty"`
	FilesDir      string                `json:"files_dir"`
}

func (DepositionSubmitted) EventType() string { return TypeDepositionSubmitted }

// HookResult is one hook's verdict inside a validation run.
type HookResult struct {
	Hook   string `json:"hook"`
	Status string `json:"status"` // completed, failed, rejected
	Reason string `json:"reason,omitempty"`
}

// ValidationCompleted reports a validation run whose hooks all passed (or
// that had no hooks to run).
type ValidationCompleted struct {
	DepositionSRN srn.SRN               `json:"deposition_srn"`
	ConventionSRN srn.SRN               `json:"convention_srn"`
	Status        string                `json:"status"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Hooks         []domain.HookSnapshot `json:"hooks,omitempty"`
	FilesDir      string                `json:"files_dir"`
	Results       []HookResult          `json:"results,omitempty"`
}

func (ValidationCompleted) EventType() string { return TypeValidationCompleted }

// ValidationFailed reports a validation run with at least one failed or
// rejected hook. Consumed by the return-to-draft handler; also the source
// of the reasons list surfaced to depositors.
type ValidationFailed struct {
	DepositionSRN srn.SRN      `json:"deposition_srn"`
	Reasons       []string     `json:"reasons,omitempty"`
	Results       []HookResult `json:"results,omitempty"`
}

func (ValidationFailed) EventType() string { return TypeValidationFailed }

// DepositionApproved releases an in-validation deposition for publication.
type DepositionApproved struct {
	DepositionSRN srn.SRN               `json:"deposition_srn"`
	ConventionSRN srn.SRN               `json:"convention_srn"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Hooks         []domain.HookSnapshot `json:"hooks,omitempty"`
	FilesDir      string                `json:"files_dir"`
}

func (DepositionApproved) EventType() string { return TypeDepositionApproved }

// RecordPublished announces an immutable published record. Fans out to the
// index backends and to feature insertion.
type RecordPublished struct {
	RecordSRN     srn.SRN               `json:"record_srn"`
	DepositionSRN srn.SRN               `json:"deposition_srn"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Hooks         []domain.HookSnapshot `json:"hooks,omitempty"`
	FilesDir      string                `json:"files_dir,omitempty"`
}

func (RecordPublished) EventType() string { return TypeRecordPublished }

// IndexRecord instructs one index backend to ingest one record. The
// delivery's routing key equals BackendName so backend handlers only claim
// their own partition.
type IndexRecord struct {
	BackendName string         `json:"backend_name"`
	RecordSRN   srn.SRN        `json:"record_srn"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (IndexRecord) EventType() string { return TypeIndexRecord }

// ConventionRegistered announces a newly registered convention. It carries
// the hook snapshots so feature-table creation does not re-load the
// aggregate.
type ConventionRegistered struct {
	ConventionSRN srn.SRN               `json:"convention_srn"`
	Hooks         []domain.HookSnapshot `json:"hooks,omitempty"`
}

func (ConventionRegistered) EventType() string { return TypeConventionRegistered }

// ConventionReady signals that a convention's feature tables exist and
// source ingestion may begin.
type ConventionReady struct {
	ConventionSRN srn.SRN `json:"convention_srn"`
}

func (ConventionReady) EventType() string { return TypeConventionReady }
