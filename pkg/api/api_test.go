package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type apiFixture struct {
	server  *httptest.Server
	factory *handler.MemoryFactory
	svc     *service.Service
	keyword *index.MemoryBackend
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	registry := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(registry))
	registry.Freeze()

	repo := outbox.NewMemoryRepository(registry)
	subs := events.NewSubscriptions(nil)
	factory := handler.NewMemoryFactory(repo, storage.MemoryStores(), subs)

	layout, err := files.NewLayout(t.TempDir())
	require.NoError(t, err)
	svc := service.New(layout)

	keyword := index.NewMemoryBackend("keyword")
	indexes, err := index.NewRegistry(keyword)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(factory, svc, indexes, nil).Router())
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, factory: factory, svc: svc, keyword: keyword}
}

func (f *apiFixture) begin(t *testing.T) *handler.UnitOfWork {
	t.Helper()
	uow, err := f.factory.Begin(context.Background())
	require.NoError(t, err)
	return uow
}

func (f *apiFixture) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *apiFixture) appendEvents(t *testing.T, evs ...events.Event) {
	t.Helper()
	uow := f.begin(t)
	for _, ev := range evs {
		_, err := uow.Outbox.Append(context.Background(), ev, "")
		require.NoError(t, err)
	}
	require.NoError(t, uow.Commit())
}

// TestChangefeed walks the cursor-paginated events endpoint
func TestChangefeed(t *testing.T) {
	f := newAPIFixture(t)
	conv := srn.MustParse("urn:osa:neuro.example.org:conv:imaging@1.0.0")
	f.appendEvents(t,
		&events.ServerStarted{ID: "run-1"},
		&events.SourceRequested{ConventionSRN: conv, RunID: "r1"},
		&events.SourceRunCompleted{ConventionSRN: conv, RunID: "r1"},
	)

	var page eventPage
	resp := f.get(t, "/v1/events?limit=2", &page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Events, 2)
	assert.Equal(t, events.TypeServerStarted, page.Events[0].Type)
	require.NotEmpty(t, page.NextCursor, "full page carries a cursor")

	var rest eventPage
	f.get(t, "/v1/events?limit=2&after="+page.NextCursor, &rest)
	require.Len(t, rest.Events, 1)
	assert.Equal(t, events.TypeSourceRunCompleted, rest.Events[0].Type)
	assert.Empty(t, rest.NextCursor, "short page ends the feed")

	var newest eventPage
	f.get(t, "/v1/events?order=desc&limit=1", &newest)
	require.Len(t, newest.Events, 1)
	assert.Equal(t, events.TypeSourceRunCompleted, newest.Events[0].Type)

	var filtered eventPage
	f.get(t, "/v1/events?types="+events.TypeSourceRequested, &filtered)
	require.Len(t, filtered.Events, 1)
	assert.Contains(t, string(filtered.Events[0].Payload), "r1")
}

// TestChangefeedBadParams tests parameter validation
func TestChangefeedBadParams(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/v1/events?after=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/v1/events?order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestCountEvents tests the count endpoint with and without a type filter
func TestCountEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.appendEvents(t,
		&events.ServerStarted{ID: "run-1"},
		&events.ServerStarted{ID: "run-2"},
	)

	var count map[string]int64
	f.get(t, "/v1/events/count", &count)
	assert.Equal(t, int64(2), count["count"])

	f.get(t, "/v1/events/count?types="+events.TypeRecordPublished, &count)
	assert.Equal(t, int64(0), count["count"])
}

// TestGetDeposition tests the lookup including draft validation reasons
func TestGetDeposition(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)

	conv := &domain.Convention{
		SRN:       srn.MustParse("urn:osa:neuro.example.org:conv:spike-trains@1.0.0"),
		Title:     "Spike trains",
		SchemaSRN: srn.MustParse("urn:osa:neuro.example.org:schema:spike-trains@1.0.0"),
	}
	uow := f.begin(t)
	admin := domain.Identity{UserID: "ada", Role: domain.RoleAdmin}
	require.NoError(t, f.svc.RegisterConvention(ctx, uow, admin, conv))
	dep, err := f.svc.CreateDeposition(ctx, uow,
		domain.Identity{UserID: "dana", Role: domain.RoleDepositor}, conv.SRN)
	require.NoError(t, err)
	_, err = uow.Outbox.Append(ctx, &events.ValidationFailed{
		DepositionSRN: dep.SRN,
		Reasons:       []string{"checksum mismatch"},
	}, "")
	require.NoError(t, err)
	require.NoError(t, uow.Commit())

	var got struct {
		SRN               string   `json:"srn"`
		Status            string   `json:"status"`
		ValidationReasons []string `json:"validation_reasons"`
	}
	resp := f.get(t, "/v1/depositions/"+url.PathEscape(dep.SRN.String()), &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dep.SRN.String(), got.SRN)
	assert.Equal(t, string(domain.DepositionDraft), got.Status)
	assert.Equal(t, []string{"checksum mismatch"}, got.ValidationReasons)

	resp = f.get(t, "/v1/depositions/"+url.PathEscape("urn:osa:neuro.example.org:dep:no-such-one"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/v1/depositions/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestGetRecord tests record lookup
func TestGetRecord(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)

	rec := &domain.Record{
		SRN:           srn.MustParse("urn:osa:neuro.example.org:rec:spikes@1"),
		DepositionSRN: srn.MustParse("urn:osa:neuro.example.org:dep:dep-001"),
		Metadata:      map[string]any{"title": "Session 12"},
	}
	uow := f.begin(t)
	require.NoError(t, uow.Stores.Records.Create(ctx, rec))
	require.NoError(t, uow.Commit())

	var got domain.Record
	resp := f.get(t, "/v1/records/"+url.PathEscape(rec.SRN.String()), &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rec.SRN, got.SRN)
	assert.Equal(t, "Session 12", got.Metadata["title"])

	resp = f.get(t, "/v1/records/"+url.PathEscape("urn:osa:neuro.example.org:rec:missing@1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestListConventions tests the paged listing
func TestListConventions(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)

	uow := f.begin(t)
	admin := domain.Identity{UserID: "ada", Role: domain.RoleAdmin}
	for _, name := range []string{"alpha", "beta"} {
		conv := &domain.Convention{
			SRN:       srn.MustParse("urn:osa:neuro.example.org:conv:" + name + "@1.0.0"),
			Title:     strings.ToUpper(name),
			SchemaSRN: srn.MustParse("urn:osa:neuro.example.org:schema:" + name + "@1.0.0"),
		}
		require.NoError(t, f.svc.RegisterConvention(ctx, uow, admin, conv))
	}
	require.NoError(t, uow.Commit())

	var got struct {
		Conventions []domain.Convention `json:"conventions"`
	}
	f.get(t, "/v1/conventions", &got)
	assert.Len(t, got.Conventions, 2)

	f.get(t, "/v1/conventions?limit=1&offset=1", &got)
	assert.Len(t, got.Conventions, 1)
}

// TestSearch tests querying an index backend over HTTP
func TestSearch(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)

	rec := srn.MustParse("urn:osa:neuro.example.org:rec:spikes@1")
	_, err := f.keyword.Ingest(ctx, []index.Document{{
		RecordSRN: rec,
		Metadata:  map[string]any{"title": "cortical spike trains"},
	}})
	require.NoError(t, err)

	var got searchResult
	resp := f.get(t, "/v1/search?q=cortical+spike", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "keyword", got.Backend, "defaults to the first configured backend")
	assert.Equal(t, 1, got.Total)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, rec, got.Hits[0].RecordSRN)
	assert.Equal(t, 2.0, got.Hits[0].Score)
	assert.Equal(t, "cortical spike trains", got.Hits[0].Metadata["title"])

	resp = f.get(t, "/v1/search?q=x&backend=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/v1/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestHealthEndpoints tests healthz and livez
func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var health struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	resp := f.get(t, "/healthz", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["index:keyword"])

	resp = f.get(t, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
