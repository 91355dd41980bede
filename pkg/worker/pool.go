package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
)

// DefaultJanitorInterval is how often the janitor sweeps for stale claims.
const DefaultJanitorInterval = time.Minute

// PoolConfig tunes the pool's background loops. Zero values take the
// package defaults.
type PoolConfig struct {
	PollInterval        time.Duration
	JanitorInterval     time.Duration
	SchedulerResolution time.Duration
}

// Pool runs one worker per registered handler plus the shared background
// loops: the janitor that frees stale claims and the scheduler that
// triggers recurring source runs.
type Pool struct {
	factory  handler.Factory
	workers  []*Worker
	sched    *Scheduler
	logger   zerolog.Logger
	interval time.Duration

	// claimTimeout is the longest claim timeout across all handlers; a
	// claim older than this is stale no matter who holds it.
	claimTimeout time.Duration

	janitorStop chan struct{}
	janitorDone chan struct{}
	started     bool
}

// NewPool builds the pool from a validated handler registry.
func NewPool(registry *handler.Registry, factory handler.Factory, cfg PoolConfig) *Pool {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}

	p := &Pool{
		factory:     factory,
		sched:       NewScheduler(factory, cfg.SchedulerResolution),
		logger:      log.WithComponent("pool"),
		interval:    cfg.JanitorInterval,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, h := range registry.Handlers() {
		p.workers = append(p.workers, NewWorker(h, factory, cfg.PollInterval))
		if ct := h.Config().WithDefaults().ClaimTimeout; ct > p.claimTimeout {
			p.claimTimeout = ct
		}
	}
	return p
}

// Start emits the ServerStarted event and launches every background loop.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true

	// The startup event fires before any worker polls, so handlers
	// subscribed to it observe a fully persisted row.
	uow, err := p.factory.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()
	if _, err := uow.Outbox.Append(ctx, &events.ServerStarted{ID: uuid.NewString()}, ""); err != nil {
		return fmt.Errorf("emit startup event: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("commit startup event: %w", err)
	}

	go p.runJanitor()
	p.sched.Start()
	for _, w := range p.workers {
		w.Start()
	}

	p.logger.Info().
		Int("workers", len(p.workers)).
		Dur("claim_timeout", p.claimTimeout).
		Msg("Worker pool started")
	metrics.UpdateComponent("worker_pool", true, "")
	return nil
}

// WorkerStates snapshots every worker's runtime state, in registration
// order.
func (p *Pool) WorkerStates() []State {
	out := make([]State, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.State())
	}
	return out
}

// Stop shuts every loop down, waiting up to timeout for in-flight cycles.
func (p *Pool) Stop(timeout time.Duration) error {
	g := new(errgroup.Group)
	g.Go(func() error {
		p.sched.Stop()
		return nil
	})
	g.Go(func() error {
		close(p.janitorStop)
		<-p.janitorDone
		return nil
	})
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool stopped")
		metrics.UpdateComponent("worker_pool", false, "stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool stop timed out after %s", timeout)
	}
}

func (p *Pool) runJanitor() {
	defer close(p.janitorDone)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			if err := p.sweep(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("Janitor sweep failed")
			}
		}
	}
}

// sweep returns deliveries claimed for longer than the pool's claim
// timeout to pending.
func (p *Pool) sweep(ctx context.Context) error {
	uow, err := p.factory.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	reset, err := uow.Outbox.ResetStaleClaims(ctx, p.claimTimeout)
	if err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}
	if reset > 0 {
		metrics.StaleDeliveriesReset.Add(float64(reset))
		p.logger.Warn().Int64("reset", reset).Msg("Stale claims returned to pending")
	}
	return nil
}
