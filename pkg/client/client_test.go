package client_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/api"
	"github.com/openscience-archive/osa/pkg/client"
	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/service"
	"github.com/openscience-archive/osa/pkg/srn"
	"github.com/openscience-archive/osa/pkg/storage"
)

type clientFixture struct {
	client  *client.Client
	factory *handler.MemoryFactory
	keyword *index.MemoryBackend
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	registry := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(registry))
	registry.Freeze()

	repo := outbox.NewMemoryRepository(registry)
	factory := handler.NewMemoryFactory(repo, storage.MemoryStores(), events.NewSubscriptions(nil))

	layout, err := files.NewLayout(t.TempDir())
	require.NoError(t, err)

	keyword := index.NewMemoryBackend("keyword")
	indexes, err := index.NewRegistry(keyword)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(factory, service.New(layout), indexes, nil).Router())
	t.Cleanup(srv.Close)

	return &clientFixture{
		client:  client.New(srv.URL),
		factory: factory,
		keyword: keyword,
	}
}

// TestWalkChangefeed walks the full feed through the cursor
func TestWalkChangefeed(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t)
	conv := srn.MustParse("urn:osa:neuro.example.org:conv:imaging@1.0.0")

	uow, err := f.factory.Begin(ctx)
	require.NoError(t, err)
	for _, ev := range []events.Event{
		&events.ServerStarted{ID: "run-1"},
		&events.SourceRequested{ConventionSRN: conv, RunID: "r1"},
		&events.SourceRunCompleted{ConventionSRN: conv, RunID: "r1"},
	} {
		_, err := uow.Outbox.Append(ctx, ev, "")
		require.NoError(t, err)
	}
	require.NoError(t, uow.Commit())

	var seen []string
	cursor := ""
	for {
		page, err := f.client.Events(ctx, client.EventsQuery{Limit: 2, After: cursor})
		require.NoError(t, err)
		for _, ev := range page.Events {
			seen = append(seen, ev.Type)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{
		events.TypeServerStarted,
		events.TypeSourceRequested,
		events.TypeSourceRunCompleted,
	}, seen)

	count, err := f.client.CountEvents(ctx, events.TypeSourceRequested)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// TestLookupsAndErrors tests aggregate lookups and 404 mapping
func TestLookupsAndErrors(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t)

	rec := &domain.Record{
		SRN:           srn.MustParse("urn:osa:neuro.example.org:rec:spikes@1"),
		DepositionSRN: srn.MustParse("urn:osa:neuro.example.org:dep:dep-001"),
		Metadata:      map[string]any{"title": "Session 12"},
	}
	uow, err := f.factory.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Stores.Records.Create(ctx, rec))
	require.NoError(t, uow.Commit())

	got, err := f.client.GetRecord(ctx, rec.SRN)
	require.NoError(t, err)
	assert.Equal(t, rec.SRN, got.SRN)

	_, err = f.client.GetRecord(ctx, srn.MustParse("urn:osa:neuro.example.org:rec:missing@1"))
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))

	_, err = f.client.GetDeposition(ctx, srn.MustParse("urn:osa:neuro.example.org:dep:missing-one"))
	assert.True(t, client.IsNotFound(err))
}

// TestSearchAndHealth tests the search endpoint and the health probe
func TestSearchAndHealth(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t)

	rec := srn.MustParse("urn:osa:neuro.example.org:rec:spikes@1")
	_, err := f.keyword.Ingest(ctx, []index.Document{{
		RecordSRN: rec,
		Metadata:  map[string]any{"title": "cortical spike trains"},
	}})
	require.NoError(t, err)

	res, err := f.client.Search(ctx, "", "cortical", 10)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, rec, res.Hits[0].SRN)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, "cortical spike trains", res.Hits[0].Metadata["title"])

	healthy, err := f.client.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
}
