package domain

import (
	"time"

	"github.com/openscience-archive/osa/pkg/srn"
)

// FileRequirements constrains the files a deposition may carry before it
// can be submitted against a convention.
type FileRequirements struct {
	AcceptedTypes []string `json:"accepted_types,omitempty"`
	MinCount      int      `json:"min_count"`
	MaxCount      int      `json:"max_count,omitempty"`
	MaxFileSize   int64    `json:"max_file_size,omitempty"`
}

// ResourceLimits bounds a hook or source container run.
type ResourceLimits struct {
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	TimeoutSecs int   `json:"timeout_secs,omitempty"`
}

// FeatureColumn declares one column of a hook's feature table.
type FeatureColumn struct {
	Name string `json:"name"`
	// Type is a coarse SQL-mappable type: text, integer, double, boolean, json.
	Type string `json:"type"`
}

// HookManifest is the contract a hook container declares: what it is
// called, which record schema it targets, how many feature rows it emits
// per record, and the shape of those rows.
type HookManifest struct {
	Name          string          `json:"name"`
	TargetSchema  srn.SRN         `json:"target_schema"`
	Cardinality   string          `json:"cardinality"` // "one" or "many"
	FeatureSchema []FeatureColumn `json:"feature_schema,omitempty"`
}

// HookDefinition is a containerized validator / feature extractor declared
// by a convention.
type HookDefinition struct {
	Image    string            `json:"image"`
	Digest   string            `json:"digest"`
	Runner   string            `json:"runner"`
	Config   map[string]string `json:"config,omitempty"`
	Limits   ResourceLimits    `json:"limits,omitempty"`
	Manifest HookManifest      `json:"manifest"`
}

// Snapshot is the compact form of a hook carried on events.
func (h HookDefinition) Snapshot() HookSnapshot {
	return HookSnapshot{
		Name:           h.Manifest.Name,
		Image:          h.Image,
		Digest:         h.Digest,
		FeatureColumns: h.Manifest.FeatureSchema,
		Config:         h.Config,
	}
}

// HookSnapshot is the event-borne form of a hook: enough to run it and to
// interpret its feature output, nothing more.
type HookSnapshot struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Digest         string            `json:"digest"`
	FeatureColumns []FeatureColumn   `json:"feature_columns,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
}

// InitialRun configures the one-shot pull a source performs when its
// convention becomes ready.
type InitialRun struct {
	Limit int `json:"limit"`
}

// SourceDefinition is a containerized upstream puller declared by a
// convention. An empty Schedule means the source only runs on demand or
// via its initial run.
type SourceDefinition struct {
	Image      string            `json:"image"`
	Digest     string            `json:"digest"`
	Config     map[string]string `json:"config,omitempty"`
	Schedule   string            `json:"schedule,omitempty"` // "@every <duration>" form
	InitialRun *InitialRun       `json:"initial_run,omitempty"`
}

// Convention is the immutable versioned template describing a deposition
// kind: its metadata schema, file requirements, validation hooks and
// optional upstream source.
type Convention struct {
	SRN              srn.SRN           `json:"srn"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	SchemaSRN        srn.SRN           `json:"schema_srn"`
	FileRequirements FileRequirements  `json:"file_requirements"`
	Hooks            []HookDefinition  `json:"hooks,omitempty"`
	Source           *SourceDefinition `json:"source,omitempty"`
	// ManualCuration forces a curator decision even when validation
	// passes; auto-approval only fires when it is false.
	ManualCuration bool      `json:"manual_curation,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HookSnapshots returns the compact event-borne form of all hooks.
func (c *Convention) HookSnapshots() []HookSnapshot {
	if len(c.Hooks) == 0 {
		return nil
	}
	out := make([]HookSnapshot, 0, len(c.Hooks))
	for _, h := range c.Hooks {
		out = append(out, h.Snapshot())
	}
	return out
}
