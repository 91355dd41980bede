package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

// MemoryStores builds the in-process store set used in dev mode and in
// tests. All stores share one mutex so a unit of work over them sees a
// consistent view.
func MemoryStores() Stores {
	shared := &memoryState{
		depositions:   make(map[string]*domain.Deposition),
		conventions:   make(map[string]*domain.Convention),
		records:       make(map[string]*domain.Record),
		featureTables: make(map[string][]FeatureRow),
	}
	return Stores{
		Depositions: &MemoryDepositionStore{state: shared},
		Conventions: &MemoryConventionStore{state: shared},
		Records:     &MemoryRecordStore{state: shared},
		Features:    &MemoryFeatureStore{state: shared},
	}
}

// FeatureRow is one inserted feature row, kept for test inspection.
type FeatureRow struct {
	RecordSRN srn.SRN
	Values    map[string]any
}

type memoryState struct {
	mu            sync.Mutex
	depositions   map[string]*domain.Deposition
	conventions   map[string]*domain.Convention
	records       map[string]*domain.Record
	featureTables map[string][]FeatureRow
}

// MemoryDepositionStore implements DepositionStore in memory.
type MemoryDepositionStore struct {
	state *memoryState
}

func (s *MemoryDepositionStore) Create(_ context.Context, dep *domain.Deposition) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	key := dep.SRN.String()
	if _, exists := s.state.depositions[key]; exists {
		return fmt.Errorf("deposition %s already exists", dep.SRN)
	}
	clone := *dep
	s.state.depositions[key] = &clone
	return nil
}

func (s *MemoryDepositionStore) Get(_ context.Context, id srn.SRN) (*domain.Deposition, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	dep, ok := s.state.depositions[id.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *dep
	return &clone, nil
}

func (s *MemoryDepositionStore) Update(_ context.Context, dep *domain.Deposition) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	key := dep.SRN.String()
	if _, ok := s.state.depositions[key]; !ok {
		return fmt.Errorf("deposition %s: %w", dep.SRN, domain.ErrNotFound)
	}
	clone := *dep
	s.state.depositions[key] = &clone
	return nil
}

func (s *MemoryDepositionStore) ListByConvention(_ context.Context, conventionSRN srn.SRN, opts ListOptions) ([]*domain.Deposition, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	var matched []*domain.Deposition
	for _, dep := range s.state.depositions {
		if dep.ConventionSRN == conventionSRN {
			clone := *dep
			matched = append(matched, &clone)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].SRN.String() > matched[j].SRN.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, opts), nil
}

func (s *MemoryDepositionStore) FindBySourceID(_ context.Context, conventionSRN srn.SRN, sourceID string) (*domain.Deposition, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	var newest *domain.Deposition
	for _, dep := range s.state.depositions {
		if dep.ConventionSRN != conventionSRN || provenanceSourceID(dep) != sourceID {
			continue
		}
		if newest == nil || dep.CreatedAt.After(newest.CreatedAt) {
			newest = dep
		}
	}
	if newest == nil {
		return nil, domain.ErrNotFound
	}
	clone := *newest
	return &clone, nil
}

// MemoryConventionStore implements ConventionStore in memory.
type MemoryConventionStore struct {
	state *memoryState
}

func (s *MemoryConventionStore) Create(_ context.Context, conv *domain.Convention) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	key := conv.SRN.String()
	if _, exists := s.state.conventions[key]; exists {
		return fmt.Errorf("convention %s already exists", conv.SRN)
	}
	clone := *conv
	s.state.conventions[key] = &clone
	return nil
}

func (s *MemoryConventionStore) Get(_ context.Context, id srn.SRN) (*domain.Convention, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	conv, ok := s.state.conventions[id.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *MemoryConventionStore) List(_ context.Context, opts ListOptions) ([]*domain.Convention, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	out := make([]*domain.Convention, 0, len(s.state.conventions))
	for _, conv := range s.state.conventions {
		clone := *conv
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SRN.String() > out[j].SRN.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts), nil
}

// MemoryRecordStore implements RecordStore in memory.
type MemoryRecordStore struct {
	state *memoryState
}

func (s *MemoryRecordStore) Create(_ context.Context, rec *domain.Record) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	key := rec.SRN.String()
	if _, exists := s.state.records[key]; exists {
		return fmt.Errorf("record %s already exists", rec.SRN)
	}
	clone := *rec
	s.state.records[key] = &clone
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id srn.SRN) (*domain.Record, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	rec, ok := s.state.records[id.String()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryRecordStore) List(_ context.Context, opts ListOptions) ([]*domain.Record, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	out := make([]*domain.Record, 0, len(s.state.records))
	for _, rec := range s.state.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].SRN.String() > out[j].SRN.String()
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return page(out, opts), nil
}

func (s *MemoryRecordStore) SetIndexEntry(_ context.Context, id srn.SRN, backend string, entry domain.IndexEntry) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	rec, ok := s.state.records[id.String()]
	if !ok {
		return fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	if rec.Indexes == nil {
		rec.Indexes = make(map[string]domain.IndexEntry)
	}
	rec.Indexes[backend] = entry
	return nil
}

// MemoryFeatureStore implements FeatureStore in memory, keyed by the same
// table names the relational store would use.
type MemoryFeatureStore struct {
	state *memoryState
}

func (s *MemoryFeatureStore) EnsureTable(_ context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot) error {
	if err := ValidateFeatureSchema(hook.FeatureColumns); err != nil {
		return fmt.Errorf("hook %q: %w", hook.Name, err)
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	table := FeatureTableName(conventionSRN, hook.Name)
	if _, exists := s.state.featureTables[table]; !exists {
		s.state.featureTables[table] = nil
	}
	return nil
}

func (s *MemoryFeatureStore) InsertRows(_ context.Context, conventionSRN srn.SRN, hook domain.HookSnapshot, recordSRN srn.SRN, rows []map[string]any) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	table := FeatureTableName(conventionSRN, hook.Name)
	if _, exists := s.state.featureTables[table]; !exists {
		return fmt.Errorf("feature table %s: %w", table, domain.ErrNotFound)
	}
	for _, row := range rows {
		values := make(map[string]any, len(row))
		for k, v := range row {
			values[k] = v
		}
		s.state.featureTables[table] = append(s.state.featureTables[table], FeatureRow{
			RecordSRN: recordSRN,
			Values:    values,
		})
	}
	return nil
}

// Rows returns the inserted rows of one feature table. Test-only.
func (s *MemoryFeatureStore) Rows(conventionSRN srn.SRN, hookName string) []FeatureRow {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	rows := s.state.featureTables[FeatureTableName(conventionSRN, hookName)]
	out := make([]FeatureRow, len(rows))
	copy(out, rows)
	return out
}

// HasTable reports whether a feature table exists. Test-only.
func (s *MemoryFeatureStore) HasTable(conventionSRN srn.SRN, hookName string) bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	_, ok := s.state.featureTables[FeatureTableName(conventionSRN, hookName)]
	return ok
}

func page[T any](items []*T, opts ListOptions) []*T {
	limit := listLimit(opts)
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
