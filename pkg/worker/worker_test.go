package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/storage"
)

type recordingHandler struct {
	cfg     handler.Config
	outcome func(ev events.Event) handler.Outcome
	seen    []events.Event
}

func (h *recordingHandler) Config() handler.Config { return h.cfg }

func (h *recordingHandler) Handle(_ context.Context, _ *handler.UnitOfWork, ev events.Event) handler.Outcome {
	h.seen = append(h.seen, ev)
	return h.outcome(ev)
}

type recordingBatchHandler struct {
	cfg     handler.Config
	outcome handler.Outcome
	batches [][]outbox.ClaimedEvent
}

func (h *recordingBatchHandler) Config() handler.Config { return h.cfg }

func (h *recordingBatchHandler) HandleBatch(_ context.Context, _ *handler.UnitOfWork, batch []outbox.ClaimedEvent) handler.Outcome {
	h.batches = append(h.batches, batch)
	return h.outcome
}

type workerFixture struct {
	repo    *outbox.MemoryRepository
	factory *handler.MemoryFactory
	clock   time.Time
}

func newWorkerFixture(t *testing.T, registry *handler.Registry) *workerFixture {
	t.Helper()
	types := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(types))

	f := &workerFixture{
		repo:  outbox.NewMemoryRepository(types),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.repo.SetClock(func() time.Time { return f.clock })
	f.factory = handler.NewMemoryFactory(f.repo, storage.MemoryStores(), registry.Subscriptions())
	return f
}

func (f *workerFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *workerFixture) emit(t *testing.T, ev events.Event) {
	t.Helper()
	uow, err := f.factory.Begin(context.Background())
	require.NoError(t, err)
	_, err = uow.Outbox.Append(context.Background(), ev, "")
	require.NoError(t, err)
	require.NoError(t, uow.Commit())
}

func buildRegistry(t *testing.T, handlers ...handler.Handler) *handler.Registry {
	t.Helper()
	types := events.NewTypeRegistry()
	require.NoError(t, events.RegisterCore(types))
	registry, err := handler.NewRegistry(types, handlers...)
	require.NoError(t, err)
	return registry
}

// TestWorkerDeliversOnOk tests the happy path: claim, handle, mark
// delivered
func TestWorkerDeliversOnOk(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
		},
		outcome: func(events.Event) handler.Outcome { return handler.Ok() },
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	f.emit(t, &events.ServerStarted{ID: "run-1"})
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, h.seen, 1)
	assert.Equal(t, &events.ServerStarted{ID: "run-1"}, h.seen[0])

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["delivered"])

	// Nothing left to claim.
	processed, err = w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

// TestWorkerSkips tests that a skip outcome finalizes without retries
func TestWorkerSkips(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
		},
		outcome: func(events.Event) handler.Outcome { return handler.Skip("not relevant") },
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	f.emit(t, &events.ServerStarted{ID: "run-1"})
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["skipped"])
}

// TestWorkerRetriesUntilBudgetSpent tests fail outcomes walking the
// delivery through its retry budget into failed
func TestWorkerRetriesUntilBudgetSpent(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
			MaxRetries: 2,
		},
		outcome: func(events.Event) handler.Outcome { return handler.Failf("boom") },
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	f.emit(t, &events.ServerStarted{ID: "run-1"})
	f.advance(time.Second)

	for attempt := 0; attempt < 2; attempt++ {
		processed, err := w.pollOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, processed, "attempt %d", attempt)
		f.advance(outbox.MaxBackoff)
	}

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["failed"])
	assert.Len(t, h.seen, 2)

	// The failed delivery is terminal.
	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

// TestWorkerRecoversFromPanic tests that a panicking handler spends a
// retry instead of crashing the worker
func TestWorkerRecoversFromPanic(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
		},
		outcome: func(events.Event) handler.Outcome { panic("kaboom") },
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	f.emit(t, &events.ServerStarted{ID: "run-1"})
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["pending"], "panicked delivery requeued for retry")
}

// TestWorkerBatchHandler tests that a batch handler receives the whole
// claim in one invocation and one outcome settles it
func TestWorkerBatchHandler(t *testing.T) {
	h := &recordingBatchHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeIndexRecord},
			Auth:       domain.Public(),
			BatchSize:  10,
		},
		outcome: handler.Ok(),
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	for i := 0; i < 3; i++ {
		f.emit(t, &events.IndexRecord{BackendName: "vector"})
		f.advance(time.Millisecond)
	}
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	require.Len(t, h.batches, 1)
	assert.Len(t, h.batches[0], 3)

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["delivered"])
}

// TestWorkerBatchFailureRetriesWholeBatch tests whole-batch retry
// accounting on a failed batch outcome
func TestWorkerBatchFailureRetriesWholeBatch(t *testing.T) {
	h := &recordingBatchHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeIndexRecord},
			Auth:       domain.Public(),
			BatchSize:  10,
		},
		outcome: handler.Fail(errors.New("backend down")),
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	for i := 0; i < 2; i++ {
		f.emit(t, &events.IndexRecord{BackendName: "vector"})
		f.advance(time.Millisecond)
	}
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["pending"], "both deliveries requeued with a retry spent")
}

type partialSkipHandler struct {
	cfg handler.Config
}

func (h *partialSkipHandler) Config() handler.Config { return h.cfg }

func (h *partialSkipHandler) HandleBatch(_ context.Context, _ *handler.UnitOfWork, batch []outbox.ClaimedEvent) handler.Outcome {
	return handler.SkipDeliveries([]uuid.UUID{batch[0].DeliveryID}, "backend unavailable")
}

// TestWorkerBatchPartialSkip tests skipping a subset of a batch while
// delivering the siblings
func TestWorkerBatchPartialSkip(t *testing.T) {
	h := &partialSkipHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeIndexRecord},
			Auth:       domain.Public(),
			BatchSize:  10,
		},
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)

	for i := 0; i < 3; i++ {
		f.emit(t, &events.IndexRecord{BackendName: "vector"})
		f.advance(time.Millisecond)
	}
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	counts, err := f.repo.DeliveryCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["skipped"])
	assert.Equal(t, int64(2), counts["delivered"], "siblings of a partial skip are delivered")
	assert.Equal(t, int64(0), counts["pending"], "no retries")
}

// TestWorkerStateTracking tests the operator-visible worker state
func TestWorkerStateTracking(t *testing.T) {
	outcomes := []handler.Outcome{handler.Ok(), handler.Failf("boom")}
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
			MaxRetries: 5,
		},
		outcome: func(events.Event) handler.Outcome {
			out := outcomes[0]
			outcomes = outcomes[1:]
			return out
		},
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 0)
	assert.Equal(t, StatusIdle, w.State().Status)

	f.emit(t, &events.ServerStarted{ID: "run-1"})
	f.advance(time.Second)
	_, err := w.pollOnce(context.Background())
	require.NoError(t, err)

	st := w.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, int64(1), st.ProcessedCount)
	assert.Zero(t, st.CurrentBatch)
	assert.False(t, st.LastClaimAt.IsZero())

	f.emit(t, &events.ServerStarted{ID: "run-2"})
	f.advance(time.Second)
	_, err = w.pollOnce(context.Background())
	require.NoError(t, err)

	st = w.State()
	assert.Equal(t, int64(1), st.FailedCount)
	assert.Equal(t, "boom", st.LastError)

	w.Start()
	w.Stop()
	assert.Equal(t, StatusStopping, w.State().Status)
}

// TestWorkerRoutingKeyPartition tests that a routed worker only claims
// its own partition
func TestWorkerRoutingKeyPartition(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeIndexRecord},
			Auth:       domain.Public(),
			RoutingKey: "vector",
		},
		outcome: func(events.Event) handler.Outcome { return handler.Ok() },
	}
	registry := buildRegistry(t, h)
	f := newWorkerFixture(t, registry)
	w := NewWorker(h, f.factory, 0)

	// Append with explicit routing keys, one per partition.
	uow, err := f.factory.Begin(context.Background())
	require.NoError(t, err)
	_, err = uow.Outbox.Append(context.Background(), &events.IndexRecord{BackendName: "vector"}, "vector")
	require.NoError(t, err)
	_, err = uow.Outbox.Append(context.Background(), &events.IndexRecord{BackendName: "keyword"}, "keyword")
	require.NoError(t, err)
	require.NoError(t, uow.Commit())
	f.advance(time.Second)

	processed, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, h.seen, 1)
	assert.Equal(t, "vector", h.seen[0].(*events.IndexRecord).BackendName)
}

// TestWorkerStartStop tests the loop lifecycle
func TestWorkerStartStop(t *testing.T) {
	h := &recordingHandler{
		cfg: handler.Config{
			Name:       "H",
			EventTypes: []string{events.TypeServerStarted},
			Auth:       domain.Public(),
		},
		outcome: func(events.Event) handler.Outcome { return handler.Ok() },
	}
	f := newWorkerFixture(t, buildRegistry(t, h))
	w := NewWorker(h, f.factory, 10*time.Millisecond)

	w.Start()
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
