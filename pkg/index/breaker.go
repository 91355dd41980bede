package index

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/srn"
)

// WithBreaker wraps a backend in a circuit breaker so a struggling index
// fails fast instead of holding worker cycles open. While the breaker is
// open, Ingest and Search return gobreaker.ErrOpenState immediately; the
// deliveries fail and retry on their normal backoff.
func WithBreaker(backend Backend) Backend {
	logger := log.WithComponent("index").With().Str("backend", backend.Name()).Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    backend.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Index breaker state changed")
		},
	})
	return &breakerBackend{inner: backend, cb: cb}
}

type breakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerBackend) Name() string {
	return b.inner.Name()
}

func (b *breakerBackend) Ingest(ctx context.Context, docs []Document) ([]string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Ingest(ctx, docs)
	})
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (b *breakerBackend) Delete(ctx context.Context, recordSRN srn.SRN) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, recordSRN)
	})
	return err
}

func (b *breakerBackend) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Search(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}
	return out.(*SearchResult), nil
}
