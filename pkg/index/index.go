package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/openscience-archive/osa/pkg/srn"
)

// Document is one record projected into a search backend.
type Document struct {
	RecordSRN srn.SRN
	Metadata  map[string]any
}

// Hit is one search match: the record, its relevance and the metadata
// the backend indexed for it.
type Hit struct {
	RecordSRN srn.SRN        `json:"srn"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SearchResult is one backend's answer to a query. Total counts every
// match; Hits carries at most the requested limit, best first.
type SearchResult struct {
	Hits  []Hit  `json:"hits"`
	Total int    `json:"total"`
	Query string `json:"query"`
}

// Backend projects published records into one search index. Backends are
// named; the fan-out addresses each IndexRecord delivery to exactly one
// backend by routing key.
type Backend interface {
	// Name is the backend's stable name, used as the delivery routing
	// key.
	Name() string

	// Ingest indexes a batch of documents and returns one external ID
	// per document, in order. Ingest must be idempotent: re-indexing a
	// record replaces its previous projection.
	Ingest(ctx context.Context, docs []Document) ([]string, error)

	// Search returns at most limit matching records, best first, plus
	// the total match count.
	Search(ctx context.Context, query string, limit int) (*SearchResult, error)

	// Delete removes a record's projection. Deleting an unindexed
	// record is a no-op.
	Delete(ctx context.Context, recordSRN srn.SRN) error
}

// Flusher is implemented by backends that buffer writes and want an
// explicit flush when a bulk ingestion finishes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Registry is the fixed set of configured backends.
type Registry struct {
	backends map[string]Backend
	names    []string
}

// NewRegistry indexes backends by name. Duplicate names are a wiring bug.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		name := b.Name()
		if name == "" {
			return nil, fmt.Errorf("index backend with empty name")
		}
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("duplicate index backend %q", name)
		}
		r.backends[name] = b
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns one backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the configured backend names, sorted.
func (r *Registry) Names() []string {
	return r.names
}
