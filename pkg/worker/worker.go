package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/outbox"
)

// DefaultPollInterval is how often an idle worker re-polls for deliveries.
const DefaultPollInterval = time.Second

// batchAccumulateInterval is how often a partially filled batch re-claims
// while waiting out its batch timeout.
const batchAccumulateInterval = 200 * time.Millisecond

// Status is one worker's lifecycle phase.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusClaiming   Status = "claiming"
	StatusProcessing Status = "processing"
	StatusStopping   Status = "stopping"
)

// State is a point-in-time snapshot of one worker's runtime state.
// Counters are cumulative since the worker was created; Stopping is
// terminal.
type State struct {
	Name           string
	Status         Status
	CurrentBatch   int
	LastClaimAt    time.Time
	ProcessedCount int64
	FailedCount    int64
	LastError      string
}

// Worker drives one handler: it polls for deliveries addressed to the
// handler's consumer group, invokes the handler inside a unit of work, and
// acknowledges the deliveries according to the outcome. Everything in one
// poll cycle shares a single transaction, so a crash mid-cycle rolls the
// claim back and the deliveries reappear as pending.
type Worker struct {
	h            handler.Handler
	cfg          handler.Config
	factory      handler.Factory
	pollInterval time.Duration
	logger       zerolog.Logger
	stopCh       chan struct{}
	doneCh       chan struct{}

	mu    sync.Mutex
	state State
}

// NewWorker creates a worker for one registered handler.
func NewWorker(h handler.Handler, factory handler.Factory, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	cfg := h.Config().WithDefaults()
	return &Worker{
		h:            h,
		cfg:          cfg,
		factory:      factory,
		pollInterval: pollInterval,
		logger:       log.WithWorker(cfg.Name),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		state:        State{Name: cfg.Name, Status: StatusIdle},
	}
}

// State reports a snapshot of the worker's runtime state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Status == StatusStopping && s != StatusStopping {
		return
	}
	w.state.Status = s
}

func (w *Worker) noteClaim(n int, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Status != StatusStopping {
		w.state.Status = StatusProcessing
	}
	w.state.CurrentBatch = n
	w.state.LastClaimAt = at
}

func (w *Worker) noteProcessed(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.ProcessedCount += int64(n)
}

func (w *Worker) noteFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.FailedCount++
	w.state.LastError = err.Error()
}

func (w *Worker) endCycle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.CurrentBatch = 0
	if w.state.Status != StatusStopping {
		w.state.Status = StatusIdle
	}
}

// Name returns the handler name the worker drives.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Start begins the poll loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (w *Worker) Stop() {
	w.setStatus(StatusStopping)
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	metrics.WorkersRunning.Inc()
	defer metrics.WorkersRunning.Dec()

	w.logger.Info().
		Strs("event_types", w.cfg.EventTypes).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.logger.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			// Drain until idle so a backlog is not paced by the ticker.
			for {
				processed, err := w.pollOnce(context.Background())
				if err != nil {
					w.logger.Error().Err(err).Msg("Poll cycle failed")
					metrics.PollCycles.WithLabelValues(w.cfg.Name, "error").Inc()
					break
				}
				if processed == 0 {
					metrics.PollCycles.WithLabelValues(w.cfg.Name, "idle").Inc()
					break
				}
				metrics.PollCycles.WithLabelValues(w.cfg.Name, "processed").Inc()
				select {
				case <-w.stopCh:
					w.logger.Info().Msg("Worker stopped")
					return
				default:
				}
			}
		}
	}
}

// pollOnce runs one claim-process-acknowledge cycle and reports how many
// deliveries it settled.
func (w *Worker) pollOnce(ctx context.Context) (int, error) {
	w.setStatus(StatusClaiming)
	defer w.endCycle()

	uow, err := w.factory.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback()

	batch, claimedAt, err := uow.Outbox.Claim(ctx, w.cfg.EventTypes, w.cfg.BatchSize, w.cfg.Name, w.cfg.RoutingKey)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, uow.Rollback()
	}

	// A partially filled batch waits out the batch timeout, re-claiming
	// as more deliveries arrive. The transaction stays open so every
	// claimed row remains locked.
	if w.cfg.BatchSize > 1 && w.cfg.BatchTimeout > 0 {
		deadline := claimedAt.Add(w.cfg.BatchTimeout)
		for len(batch) < w.cfg.BatchSize && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-w.stopCh:
				return 0, uow.Rollback()
			case <-time.After(batchAccumulateInterval):
			}
			more, _, err := uow.Outbox.Claim(ctx, w.cfg.EventTypes, w.cfg.BatchSize-len(batch), w.cfg.Name, w.cfg.RoutingKey)
			if err != nil {
				return 0, err
			}
			batch = append(batch, more...)
		}
	}

	w.noteClaim(len(batch), claimedAt)
	metrics.DeliveriesClaimed.WithLabelValues(w.cfg.Name).Add(float64(len(batch)))

	if bh, ok := w.h.(handler.BatchHandler); ok {
		return w.processBatch(ctx, uow, bh, batch)
	}
	return w.processEach(ctx, uow, w.h.(handler.EventHandler), batch)
}

// processBatch settles a whole batch on one outcome. A skip outcome that
// names delivery IDs skips only those; the siblings are delivered.
func (w *Worker) processBatch(ctx context.Context, uow *handler.UnitOfWork, bh handler.BatchHandler, batch []outbox.ClaimedEvent) (int, error) {
	outcome := w.invokeBatch(ctx, uow, bh, batch)
	if outcome.IsFail() {
		if err := uow.Rollback(); err != nil {
			return 0, err
		}
		return len(batch), w.retry(ctx, batch, outcome.Err())
	}

	skipped := make(map[uuid.UUID]bool, len(outcome.SkippedIDs()))
	for _, id := range outcome.SkippedIDs() {
		skipped[id] = true
	}
	for _, ce := range batch {
		ack := outcome
		if len(skipped) > 0 && !skipped[ce.DeliveryID] {
			ack = handler.Ok()
		}
		if err := w.acknowledge(ctx, uow, ce, ack); err != nil {
			return 0, err
		}
	}
	if err := uow.Commit(); err != nil {
		return 0, err
	}
	w.noteProcessed(len(batch))
	return len(batch), nil
}

// processEach settles each delivery on its own outcome. The first failure
// rolls back the whole cycle; the failed delivery spends a retry and the
// rest reappear pending untouched.
func (w *Worker) processEach(ctx context.Context, uow *handler.UnitOfWork, eh handler.EventHandler, batch []outbox.ClaimedEvent) (int, error) {
	outcomes := make([]handler.Outcome, len(batch))
	for i, ce := range batch {
		outcomes[i] = w.invoke(ctx, uow, eh, ce)
		if outcomes[i].IsFail() {
			if err := uow.Rollback(); err != nil {
				return 0, err
			}
			return i + 1, w.retry(ctx, batch[i:i+1], outcomes[i].Err())
		}
	}

	for i, ce := range batch {
		if err := w.acknowledge(ctx, uow, ce, outcomes[i]); err != nil {
			return 0, err
		}
	}
	if err := uow.Commit(); err != nil {
		return 0, err
	}
	w.noteProcessed(len(batch))
	return len(batch), nil
}

func (w *Worker) acknowledge(ctx context.Context, uow *handler.UnitOfWork, ce outbox.ClaimedEvent, outcome handler.Outcome) error {
	switch outcome.Kind() {
	case handler.OutcomeSkip:
		w.logger.Debug().
			Str("event_type", ce.Type).
			Str("reason", outcome.Reason()).
			Msg("Delivery skipped")
		metrics.DeliveriesAcked.WithLabelValues(w.cfg.Name, "skipped").Inc()
		return uow.Outbox.MarkSkipped(ctx, ce.DeliveryID, outcome.Reason())
	default:
		metrics.DeliveriesAcked.WithLabelValues(w.cfg.Name, "delivered").Inc()
		return uow.Outbox.MarkDelivered(ctx, ce.DeliveryID)
	}
}

// retry records failed attempts in a fresh unit of work, after the cycle
// that failed has been rolled back.
func (w *Worker) retry(ctx context.Context, failed []outbox.ClaimedEvent, cause error) error {
	uow, err := w.factory.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	for _, ce := range failed {
		status, err := uow.Outbox.MarkFailedWithRetry(ctx, ce.DeliveryID, cause.Error(), w.cfg.MaxRetries)
		if err != nil {
			return err
		}
		w.noteFailure(cause)
		metrics.DeliveryRetries.WithLabelValues(w.cfg.Name).Inc()
		evt := w.logger.Warn()
		if status == outbox.StatusFailed {
			evt = w.logger.Error()
			metrics.DeliveriesAcked.WithLabelValues(w.cfg.Name, "failed").Inc()
		}
		evt.Err(cause).
			Str("event_type", ce.Type).
			Str("delivery_id", ce.DeliveryID.String()).
			Str("status", string(status)).
			Msg("Delivery attempt failed")
	}
	return uow.Commit()
}

func (w *Worker) invoke(ctx context.Context, uow *handler.UnitOfWork, eh handler.EventHandler, ce outbox.ClaimedEvent) (outcome handler.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = handler.Fail(fmt.Errorf("handler %s panicked: %v", w.cfg.Name, r))
		}
	}()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(w.cfg.Name))
	return eh.Handle(ctx, uow, ce.Event)
}

func (w *Worker) invokeBatch(ctx context.Context, uow *handler.UnitOfWork, bh handler.BatchHandler, batch []outbox.ClaimedEvent) (outcome handler.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = handler.Fail(fmt.Errorf("handler %s panicked: %v", w.cfg.Name, r))
		}
	}()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(w.cfg.Name))
	return bh.HandleBatch(ctx, uow, batch)
}
