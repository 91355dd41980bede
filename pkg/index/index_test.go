package index

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/srn"
)

func recordSRN(t *testing.T, s string) srn.SRN {
	t.Helper()
	id, err := srn.Parse(s)
	require.NoError(t, err)
	return id
}

// TestTokenize tests token extraction from metadata text
func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"neural", "spike", "trains", "v2"},
		Tokenize("Neural spike-trains, v2! (spike)"))
	assert.Empty(t, Tokenize("a . ,"))
}

// TestRegistry tests backend registration and lookup
func TestRegistry(t *testing.T) {
	vector := NewMemoryBackend("vector")
	keyword := NewMemoryBackend("keyword")

	reg, err := NewRegistry(keyword, vector)
	require.NoError(t, err)
	assert.Equal(t, []string{"keyword", "vector"}, reg.Names())

	got, ok := reg.Get("vector")
	require.True(t, ok)
	assert.Equal(t, "vector", got.Name())

	_, ok = reg.Get("graph")
	assert.False(t, ok)

	_, err = NewRegistry(vector, NewMemoryBackend("vector"))
	assert.Error(t, err, "duplicate names rejected")

	_, err = NewRegistry(NewMemoryBackend(""))
	assert.Error(t, err, "empty name rejected")
}

// TestMemoryBackendSearch tests ingest and token-ranked search
func TestMemoryBackendSearch(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("keyword")

	spikes := recordSRN(t, "urn:osa:neuro.example.org:rec:spikes@1")
	imaging := recordSRN(t, "urn:osa:neuro.example.org:rec:imaging@1")

	ids, err := b.Ingest(ctx, []Document{
		{RecordSRN: spikes, Metadata: map[string]any{
			"title":    "Cortical spike trains",
			"keywords": []any{"electrophysiology", "cortex"},
		}},
		{RecordSRN: imaging, Metadata: map[string]any{
			"title": "Cortex imaging atlas",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{spikes.String(), imaging.String()}, ids)

	got, err := b.Search(ctx, "cortex spike", 10)
	require.NoError(t, err)
	require.Len(t, got.Hits, 2)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, spikes, got.Hits[0].RecordSRN, "two matching tokens outrank one")
	assert.Equal(t, 2.0, got.Hits[0].Score)
	assert.Equal(t, "Cortical spike trains", got.Hits[0].Metadata["title"])

	got, err = b.Search(ctx, "cortex", 1)
	require.NoError(t, err)
	assert.Len(t, got.Hits, 1)
	assert.Equal(t, 2, got.Total, "total counts matches beyond the limit")

	got, err = b.Search(ctx, "imaging", 10)
	require.NoError(t, err)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, imaging, got.Hits[0].RecordSRN)

	got, err = b.Search(ctx, "quantum", 10)
	require.NoError(t, err)
	assert.Empty(t, got.Hits)
	assert.Zero(t, got.Total)
}

// TestMemoryBackendReingest tests that re-indexing replaces the projection
func TestMemoryBackendReingest(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("keyword")
	id := recordSRN(t, "urn:osa:neuro.example.org:rec:spikes@1")

	_, err := b.Ingest(ctx, []Document{{RecordSRN: id, Metadata: map[string]any{"title": "old draft title"}}})
	require.NoError(t, err)
	_, err = b.Ingest(ctx, []Document{{RecordSRN: id, Metadata: map[string]any{"title": "final curated title"}}})
	require.NoError(t, err)

	got, err := b.Search(ctx, "draft", 10)
	require.NoError(t, err)
	assert.Empty(t, got.Hits, "stale tokens dropped on re-ingest")

	got, err = b.Search(ctx, "curated", 10)
	require.NoError(t, err)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, id, got.Hits[0].RecordSRN)
}

// TestMemoryBackendDelete tests projection removal
func TestMemoryBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("keyword")
	id := recordSRN(t, "urn:osa:neuro.example.org:rec:spikes@1")

	_, err := b.Ingest(ctx, []Document{{RecordSRN: id, Metadata: map[string]any{"title": "cortical spikes"}}})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, id))

	got, err := b.Search(ctx, "cortical", 10)
	require.NoError(t, err)
	assert.Empty(t, got.Hits)

	assert.NoError(t, b.Delete(ctx, id), "deleting an unindexed record is a no-op")
}

type failingBackend struct {
	calls int
}

func (f *failingBackend) Name() string { return "flaky" }

func (f *failingBackend) Ingest(context.Context, []Document) ([]string, error) {
	f.calls++
	return nil, errors.New("backend down")
}

func (f *failingBackend) Search(context.Context, string, int) (*SearchResult, error) {
	f.calls++
	return nil, errors.New("backend down")
}

func (f *failingBackend) Delete(context.Context, srn.SRN) error {
	f.calls++
	return errors.New("backend down")
}

// TestBreakerOpensAfterConsecutiveFailures tests the circuit wrapping
func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &failingBackend{}
	b := WithBreaker(inner)
	assert.Equal(t, "flaky", b.Name())

	for i := 0; i < 5; i++ {
		_, err := b.Ingest(ctx, nil)
		require.Error(t, err)
	}
	assert.Equal(t, 5, inner.calls)

	_, err := b.Ingest(ctx, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, inner.calls, "open breaker sheds calls")

	_, err = b.Search(ctx, "anything", 5)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

// TestBreakerPassesResults tests the happy path through the wrapper
func TestBreakerPassesResults(t *testing.T) {
	ctx := context.Background()
	b := WithBreaker(NewMemoryBackend("keyword"))
	id := recordSRN(t, "urn:osa:neuro.example.org:rec:spikes@1")

	ids, err := b.Ingest(ctx, []Document{{RecordSRN: id, Metadata: map[string]any{"title": "spikes"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{id.String()}, ids)

	got, err := b.Search(ctx, "spikes", 10)
	require.NoError(t, err)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, id, got.Hits[0].RecordSRN)
}
