package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/outbox"
)

type fakeHandler struct {
	cfg Config
}

func (h *fakeHandler) Config() Config { return h.cfg }

func (h *fakeHandler) Handle(context.Context, *UnitOfWork, events.Event) Outcome {
	return Ok()
}

type fakeBatchHandler struct {
	cfg Config
}

func (h *fakeBatchHandler) Config() Config { return h.cfg }

func (h *fakeBatchHandler) HandleBatch(context.Context, *UnitOfWork, []outbox.ClaimedEvent) Outcome {
	return Ok()
}

type configOnlyHandler struct {
	cfg Config
}

func (h *configOnlyHandler) Config() Config { return h.cfg }

func validConfig(name string) Config {
	return Config{
		Name:       name,
		EventTypes: []string{events.TypeRecordPublished},
		Auth:       domain.Public(),
	}
}

func coreTypes(t *testing.T) *events.TypeRegistry {
	t.Helper()
	r := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(r))
	return r
}

// TestRegistryValidation tests the startup checks on handler declarations
func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name     string
		handlers []Handler
		wantErr  string
	}{
		{
			name:     "valid single and batch",
			handlers: []Handler{&fakeHandler{cfg: validConfig("A")}, &fakeBatchHandler{cfg: validConfig("B")}},
		},
		{
			name:     "empty name",
			handlers: []Handler{&fakeHandler{cfg: Config{EventTypes: []string{events.TypeRecordPublished}, Auth: domain.Public()}}},
			wantErr:  "empty name",
		},
		{
			name:     "duplicate name",
			handlers: []Handler{&fakeHandler{cfg: validConfig("A")}, &fakeBatchHandler{cfg: validConfig("A")}},
			wantErr:  "duplicate handler name",
		},
		{
			name:     "no event types",
			handlers: []Handler{&fakeHandler{cfg: Config{Name: "A", Auth: domain.Public()}}},
			wantErr:  "no event types",
		},
		{
			name: "unknown event type",
			handlers: []Handler{&fakeHandler{cfg: Config{
				Name: "A", EventTypes: []string{"NoSuchEvent"}, Auth: domain.Public(),
			}}},
			wantErr: "unregistered event type",
		},
		{
			name:     "missing auth policy",
			handlers: []Handler{&fakeHandler{cfg: Config{Name: "A", EventTypes: []string{events.TypeRecordPublished}}}},
			wantErr:  "no auth policy",
		},
		{
			name: "claim timeout below batch timeout",
			handlers: []Handler{&fakeBatchHandler{cfg: Config{
				Name:         "A",
				EventTypes:   []string{events.TypeIndexRecord},
				Auth:         domain.Public(),
				BatchSize:    100,
				BatchTimeout: 10 * time.Minute,
				ClaimTimeout: 5 * time.Minute,
			}}},
			wantErr: "must exceed batch timeout",
		},
		{
			name:     "neither handle nor batch",
			handlers: []Handler{&configOnlyHandler{cfg: validConfig("A")}},
			wantErr:  "implements neither",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistry(coreTypes(t), tt.handlers...)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, r.Handlers(), len(tt.handlers))
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// TestRegistrySubscriptions tests that subscriptions aggregate handler
// names per event type
func TestRegistrySubscriptions(t *testing.T) {
	a := &fakeHandler{cfg: Config{
		Name:       "A",
		EventTypes: []string{events.TypeRecordPublished, events.TypeIndexRecord},
		Auth:       domain.Public(),
	}}
	b := &fakeHandler{cfg: Config{
		Name:       "B",
		EventTypes: []string{events.TypeRecordPublished},
		Auth:       domain.Public(),
	}}

	r, err := NewRegistry(coreTypes(t), a, b)
	require.NoError(t, err)

	subs := r.Subscriptions()
	assert.Equal(t, []string{"A", "B"}, subs.For(events.TypeRecordPublished, ""))
	assert.Equal(t, []string{"A"}, subs.For(events.TypeIndexRecord, ""))
	assert.Nil(t, subs.For(events.TypeServerStarted, ""))
}

// TestConfigWithDefaults tests default filling
func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Name: "A"}.WithDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultClaimTimeout, cfg.ClaimTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)

	custom := Config{Name: "A", BatchSize: 100, ClaimTimeout: time.Minute, MaxRetries: NoRetries}.WithDefaults()
	assert.Equal(t, 100, custom.BatchSize)
	assert.Equal(t, time.Minute, custom.ClaimTimeout)
	assert.Equal(t, 0, custom.MaxRetries, "NoRetries becomes a zero budget")
}

// TestOutcomes tests the outcome constructors
func TestOutcomes(t *testing.T) {
	assert.True(t, Ok().IsOk())
	assert.True(t, Skip("not relevant").IsSkip())
	assert.Equal(t, "not relevant", Skip("not relevant").Reason())

	fail := Failf("hook %s exploded", "qc")
	assert.True(t, fail.IsFail())
	assert.Contains(t, fail.Err().Error(), "hook qc exploded")
}
