package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/openscience-archive/osa/pkg/srn"
)

// Tokenize splits metadata text into lowercase search tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// flattenMetadata renders string-valued metadata (including nested maps
// and string slices) as one searchable text.
func flattenMetadata(metadata map[string]any) string {
	var b strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			b.WriteString(val)
			b.WriteByte(' ')
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		}
	}
	walk(metadata)
	return b.String()
}

// MemoryBackend is an in-process keyword index: an inverted token map
// over record metadata. Dev mode and tests.
type MemoryBackend struct {
	name string

	mu     sync.Mutex
	tokens map[string]map[string]bool // token -> set of record SRNs
	docs   map[string][]string        // record SRN -> its tokens
	meta   map[string]map[string]any  // record SRN -> its metadata
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:   name,
		tokens: make(map[string]map[string]bool),
		docs:   make(map[string][]string),
		meta:   make(map[string]map[string]any),
	}
}

func (b *MemoryBackend) Name() string {
	return b.name
}

func (b *MemoryBackend) Ingest(_ context.Context, docs []Document) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		key := doc.RecordSRN.String()

		// Re-indexing replaces the previous projection.
		for _, tok := range b.docs[key] {
			delete(b.tokens[tok], key)
		}

		toks := Tokenize(flattenMetadata(doc.Metadata))
		for _, tok := range toks {
			if b.tokens[tok] == nil {
				b.tokens[tok] = make(map[string]bool)
			}
			b.tokens[tok][key] = true
		}
		b.docs[key] = toks
		b.meta[key] = doc.Metadata
		ids = append(ids, key)
	}
	return ids, nil
}

func (b *MemoryBackend) Delete(_ context.Context, recordSRN srn.SRN) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := recordSRN.String()
	for _, tok := range b.docs[key] {
		delete(b.tokens[tok], key)
	}
	delete(b.docs, key)
	delete(b.meta, key)
	return nil
}

func (b *MemoryBackend) Search(_ context.Context, query string, limit int) (*SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	// Rank by number of matching query tokens.
	scores := make(map[string]int)
	for _, tok := range Tokenize(query) {
		for key := range b.tokens[tok] {
			scores[key]++
		}
	}

	keys := make([]string, 0, len(scores))
	for key := range scores {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] == scores[keys[j]] {
			return keys[i] < keys[j]
		}
		return scores[keys[i]] > scores[keys[j]]
	})

	res := &SearchResult{Hits: []Hit{}, Total: len(keys), Query: query}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	for _, key := range keys {
		id, err := srn.Parse(key)
		if err != nil {
			continue
		}
		res.Hits = append(res.Hits, Hit{
			RecordSRN: id,
			Score:     float64(scores[key]),
			Metadata:  b.meta[key],
		})
	}
	return res, nil
}
