package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/outbox"
)

// FanOutToIndexBackends turns one RecordPublished into one IndexRecord
// per configured backend. Each delivery carries the backend's name as its
// routing key, so every backend handler claims only its own partition.
type FanOutToIndexBackends struct {
	indexes *index.Registry
	logger  zerolog.Logger
}

func NewFanOutToIndexBackends(indexes *index.Registry) *FanOutToIndexBackends {
	return &FanOutToIndexBackends{
		indexes: indexes,
		logger:  log.WithComponent("pipeline").With().Str("handler", "fan-out-to-index-backends").Logger(),
	}
}

func (h *FanOutToIndexBackends) Config() handler.Config {
	return handler.Config{
		Name:       "fan-out-to-index-backends",
		EventTypes: []string{events.TypeRecordPublished},
		Auth:       domain.AtLeast(domain.RoleSystem),
	}
}

func (h *FanOutToIndexBackends) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.RecordPublished)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}

	for _, name := range h.indexes.Names() {
		if _, err := uow.Outbox.Append(ctx, events.IndexRecord{
			BackendName: name,
			RecordSRN:   ev.RecordSRN,
			Metadata:    ev.Metadata,
		}, name); err != nil {
			return handler.Fail(err)
		}
	}

	h.logger.Debug().
		Str("record", ev.RecordSRN.String()).
		Strs("backends", h.indexes.Names()).
		Msg("Record fanned out to index backends")
	return handler.Ok()
}

// ingestIndexRecords pushes decoded IndexRecord events into one backend
// and books the returned external IDs on the records.
func ingestIndexRecords(ctx context.Context, uow *handler.UnitOfWork, backend index.Backend, evs []*events.IndexRecord) error {
	docs := make([]index.Document, 0, len(evs))
	for _, ev := range evs {
		docs = append(docs, index.Document{RecordSRN: ev.RecordSRN, Metadata: ev.Metadata})
	}

	ids, err := backend.Ingest(ctx, docs)
	if err != nil {
		metrics.IndexIngests.WithLabelValues(backend.Name(), "error").Inc()
		return fmt.Errorf("ingest into %s: %w", backend.Name(), err)
	}
	if len(ids) != len(docs) {
		metrics.IndexIngests.WithLabelValues(backend.Name(), "error").Inc()
		return fmt.Errorf("backend %s returned %d ids for %d documents", backend.Name(), len(ids), len(docs))
	}

	now := time.Now().UTC()
	for i, ev := range evs {
		entry := domain.IndexEntry{ExternalID: ids[i], IndexedAt: &now}
		if err := uow.Stores.Records.SetIndexEntry(ctx, ev.RecordSRN, backend.Name(), entry); err != nil {
			return err
		}
	}
	metrics.IndexIngests.WithLabelValues(backend.Name(), "ok").Add(float64(len(docs)))
	return nil
}

// VectorIndexHandler projects records into the vector backend in batches:
// embedding is expensive, so the worker accumulates up to a hundred
// deliveries before one ingest call.
type VectorIndexHandler struct {
	indexes *index.Registry
	logger  zerolog.Logger
}

func NewVectorIndexHandler(indexes *index.Registry) *VectorIndexHandler {
	return &VectorIndexHandler{
		indexes: indexes,
		logger:  log.WithComponent("pipeline").With().Str("handler", "index-vector").Logger(),
	}
}

func (h *VectorIndexHandler) Config() handler.Config {
	return handler.Config{
		Name:         "index-vector",
		EventTypes:   []string{events.TypeIndexRecord},
		Auth:         domain.AtLeast(domain.RoleSystem),
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		RoutingKey:   "vector",
	}
}

func (h *VectorIndexHandler) HandleBatch(ctx context.Context, uow *handler.UnitOfWork, batch []outbox.ClaimedEvent) handler.Outcome {
	backend, ok := h.indexes.Get("vector")
	if !ok {
		return handler.Skip("vector backend is not registered")
	}

	evs := make([]*events.IndexRecord, 0, len(batch))
	for _, claimed := range batch {
		ev, ok := claimed.Event.(*events.IndexRecord)
		if !ok {
			return handler.Skip(fmt.Sprintf("unexpected event %T", claimed.Event))
		}
		evs = append(evs, ev)
	}

	if err := ingestIndexRecords(ctx, uow, backend, evs); err != nil {
		return handler.Fail(err)
	}
	h.logger.Debug().Int("records", len(evs)).Msg("Vector batch ingested")
	return handler.Ok()
}

// KeywordIndexHandler projects records into the keyword backend one at a
// time.
type KeywordIndexHandler struct {
	indexes *index.Registry
	logger  zerolog.Logger
}

func NewKeywordIndexHandler(indexes *index.Registry) *KeywordIndexHandler {
	return &KeywordIndexHandler{
		indexes: indexes,
		logger:  log.WithComponent("pipeline").With().Str("handler", "index-keyword").Logger(),
	}
}

func (h *KeywordIndexHandler) Config() handler.Config {
	return handler.Config{
		Name:       "index-keyword",
		EventTypes: []string{events.TypeIndexRecord},
		Auth:       domain.AtLeast(domain.RoleSystem),
		RoutingKey: "keyword",
	}
}

func (h *KeywordIndexHandler) Handle(ctx context.Context, uow *handler.UnitOfWork, e events.Event) handler.Outcome {
	ev, ok := e.(*events.IndexRecord)
	if !ok {
		return handler.Skip(fmt.Sprintf("unexpected event %T", e))
	}
	backend, ok := h.indexes.Get("keyword")
	if !ok {
		return handler.Skip("keyword backend is not registered")
	}
	if err := ingestIndexRecords(ctx, uow, backend, []*events.IndexRecord{ev}); err != nil {
		return handler.Fail(err)
	}
	return handler.Ok()
}
