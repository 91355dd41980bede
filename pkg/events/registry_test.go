package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

func coreRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	r := NewTypeRegistry()
	require.NoError(t, RegisterCore(r))
	return r
}

// TestEncodeDecodeRoundTrip serializes and deserializes one populated
// instance of every core event type
func TestEncodeDecodeRoundTrip(t *testing.T) {
	recSRN := srn.MustParse("urn:osa:n1:rec:r1@1")
	depSRN := srn.MustParse("urn:osa:n1:dep:d-001")
	convSRN := srn.MustParse("urn:osa:n1:conv:imaging@1.0.0")
	hooks := []domain.HookSnapshot{{
		Name:   "qc",
		Image:  "ghcr.io/osa/qc",
		Digest: "sha256:abc",
		FeatureColumns: []domain.FeatureColumn{
			{Name: "score", Type: "double"},
		},
		Config: map[string]string{"threshold": "0.5"},
	}}

	all := []Event{
		&ServerStarted{ID: "run-1"},
		&SourceRequested{ConventionSRN: convSRN, RunID: "r1", Limit: 10, Offset: 20, Since: "2026-01-01T00:00:00Z", Session: map[string]any{"cursor": "x"}},
		&SourceRecordReady{ConventionSRN: convSRN, RunID: "r1", SourceID: "ext-1", Metadata: map[string]any{"title": "T"}, FilePaths: []string{"a.csv"}, StagingDir: "/staging"},
		&SourceRunCompleted{ConventionSRN: convSRN, RunID: "r1", RecordCount: 3, IsFinalChunk: true},
		&DepositionSubmitted{DepositionSRN: depSRN, ConventionSRN: convSRN, Metadata: map[string]any{"title": "T"}, Hooks: hooks, FilesDir: "/files"},
		&ValidationCompleted{DepositionSRN: depSRN, ConventionSRN: convSRN, Status: "completed", Hooks: hooks, FilesDir: "/files", Results: []HookResult{{Hook: "qc", Status: "completed"}}},
		&ValidationFailed{DepositionSRN: depSRN, Reasons: []string{"bad checksum"}},
		&DepositionApproved{DepositionSRN: depSRN, ConventionSRN: convSRN, FilesDir: "/files"},
		&RecordPublished{RecordSRN: recSRN, DepositionSRN: depSRN, Metadata: map[string]any{"title": "T"}},
		&IndexRecord{BackendName: "vector", RecordSRN: recSRN, Metadata: map[string]any{"title": "T"}},
		&ConventionRegistered{ConventionSRN: convSRN, Hooks: hooks},
		&ConventionReady{ConventionSRN: convSRN},
	}

	r := coreRegistry(t)
	for _, ev := range all {
		t.Run(ev.EventType(), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)

			decoded, err := r.Decode(ev.EventType(), data)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

// TestDecodeUnknownType tests that unknown discriminators yield
// ErrUnknownType
func TestDecodeUnknownType(t *testing.T) {
	r := coreRegistry(t)
	_, err := r.Decode("NoSuchEvent", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorAs(t, err, &ErrUnknownType{})
}

// TestRegistryDuplicates tests duplicate registration is rejected
func TestRegistryDuplicates(t *testing.T) {
	r := coreRegistry(t)
	err := r.Register(TypeServerStarted, func() Event { return &ServerStarted{} })
	assert.Error(t, err)
}

// TestRegistryFreeze tests that registering after freeze panics
func TestRegistryFreeze(t *testing.T) {
	r := coreRegistry(t)
	r.Freeze()
	assert.Panics(t, func() {
		_ = r.Register("Another", func() Event { return &ServerStarted{} })
	})
}

// TestSubscriptions tests the frozen type → group mapping
func TestSubscriptions(t *testing.T) {
	subs := NewSubscriptions(map[string][]Subscriber{
		TypeRecordPublished: {
			{Group: "FanOutToIndexBackends"},
			{Group: "InsertRecordFeatures"},
			{Group: "FanOutToIndexBackends"},
		},
		TypeServerStarted: {{Group: "TriggerStartupSourceRuns"}},
		TypeIndexRecord: {
			{Group: "VectorIndex", RoutingKey: "vector"},
			{Group: "KeywordIndex", RoutingKey: "keyword"},
		},
	})

	assert.Equal(t, []string{"FanOutToIndexBackends", "InsertRecordFeatures"}, subs.For(TypeRecordPublished, ""))
	assert.Equal(t, []string{"FanOutToIndexBackends", "InsertRecordFeatures"}, subs.For(TypeRecordPublished, "eu-west"),
		"unkeyed subscribers are wildcards over every partition")
	assert.Nil(t, subs.For(TypeValidationFailed, ""), "no subscribers yields nil")
	assert.Equal(t, []string{"VectorIndex"}, subs.For(TypeIndexRecord, "vector"),
		"keyed subscribers only see their partition")
	assert.Nil(t, subs.For(TypeIndexRecord, ""), "keyed subscribers ignore unkeyed events")
	assert.Equal(t, []string{TypeIndexRecord, TypeRecordPublished, TypeServerStarted}, subs.EventTypes())
}
