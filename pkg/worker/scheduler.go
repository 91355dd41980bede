package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/storage"
)

// DefaultSchedulerResolution is the scheduler's tick interval. Schedules
// shorter than this still fire, just with up to one tick of jitter.
const DefaultSchedulerResolution = 30 * time.Second

// schedulerFailureThreshold is how many consecutive failed ticks escalate
// the log level.
const schedulerFailureThreshold = 5

// ParseSchedule parses the "@every <duration>" schedule form used by
// convention source definitions.
func ParseSchedule(schedule string) (time.Duration, error) {
	raw, ok := strings.CutPrefix(schedule, "@every ")
	if !ok {
		return 0, fmt.Errorf("schedule %q: want \"@every <duration>\"", schedule)
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule %q: duration must be positive", schedule)
	}
	return d, nil
}

// Scheduler emits SourceRequested events for conventions whose source
// declares a schedule. It keeps one in-memory last-run mark per
// convention, seeded from the newest persisted SourceRequested event so a
// restart does not re-trigger every source at once.
type Scheduler struct {
	factory    handler.Factory
	resolution time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	lastRuns map[string]time.Time
	failures int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates a scheduler over the unit-of-work factory.
func NewScheduler(factory handler.Factory, resolution time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = DefaultSchedulerResolution
	}
	return &Scheduler{
		factory:    factory,
		resolution: resolution,
		logger:     log.WithComponent("scheduler"),
		now:        time.Now,
		lastRuns:   make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	s.logger.Info().Dur("resolution", s.resolution).Msg("Scheduler started")

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(context.Background()); err != nil {
				s.failures++
				evt := s.logger.Warn()
				if s.failures >= schedulerFailureThreshold {
					evt = s.logger.Error().Bool("critical", true)
				}
				evt.Err(err).Int("consecutive_failures", s.failures).Msg("Scheduler tick failed")
			} else {
				s.failures = 0
			}
		}
	}
}

// Tick evaluates every scheduled source once and emits SourceRequested
// for those that are due.
func (s *Scheduler) Tick(ctx context.Context) error {
	uow, err := s.factory.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	conventions, err := uow.Stores.Conventions.List(ctx, storage.ListOptions{Limit: 500})
	if err != nil {
		return fmt.Errorf("list conventions: %w", err)
	}

	now := s.now()
	for _, conv := range conventions {
		if conv.Source == nil || conv.Source.Schedule == "" {
			continue
		}
		every, err := ParseSchedule(conv.Source.Schedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("convention", conv.SRN.String()).Msg("Unparseable schedule")
			continue
		}

		key := conv.SRN.String()
		last, seen := s.lastRuns[key]
		if !seen {
			last = s.seedLastRun(ctx, uow, key, now)
			s.lastRuns[key] = last
		}
		if now.Sub(last) < every {
			continue
		}

		runID := uuid.NewString()
		_, err = uow.Outbox.Append(ctx, &events.SourceRequested{
			ConventionSRN: conv.SRN,
			RunID:         runID,
		}, "")
		if err != nil {
			metrics.SchedulerRuns.WithLabelValues(key, "error").Inc()
			return fmt.Errorf("request source run for %s: %w", conv.SRN, err)
		}
		s.lastRuns[key] = now
		metrics.SchedulerRuns.WithLabelValues(key, "requested").Inc()
		s.logger.Info().
			Str("convention", key).
			Str("run_id", runID).
			Msg("Scheduled source run requested")
	}

	return uow.Commit()
}

// seedLastRun recovers the last-run mark from the newest persisted
// SourceRequested event. A convention that never ran starts its interval
// at scheduler startup rather than firing immediately; the initial run on
// registration is the pipeline's job, not the scheduler's.
func (s *Scheduler) seedLastRun(ctx context.Context, uow *handler.UnitOfWork, conventionSRN string, fallback time.Time) time.Time {
	latest, err := uow.Outbox.FindLatestByField(ctx, events.TypeSourceRequested, "convention_srn", conventionSRN)
	if err != nil {
		if !errors.Is(err, outbox.ErrNoRows) {
			s.logger.Warn().Err(err).Str("convention", conventionSRN).Msg("Last-run lookup failed")
		}
		return fallback
	}
	return latest.CreatedAt
}
