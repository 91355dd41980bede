// Package api exposes the read-side HTTP surface: the event changefeed,
// aggregate lookups, index search, health and metrics. All endpoints are
// read-only; writes enter the system through the application service and
// the pipeline, never through HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/service"
)

// Pinger is the slice of *sql.DB the health check needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server serves the HTTP API.
type Server struct {
	factory handler.Factory
	svc     *service.Service
	indexes *index.Registry
	db      Pinger
	logger  zerolog.Logger
	httpSrv *http.Server
}

// NewServer creates a server over the unit-of-work factory, the
// application service and the index registry. db may be nil in dev mode;
// the health check then skips the database ping.
func NewServer(factory handler.Factory, svc *service.Service, indexes *index.Registry, db Pinger) *Server {
	return &Server{
		factory: factory,
		svc:     svc,
		indexes: indexes,
		db:      db,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the route table. Exposed so tests can drive the server
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/livez", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.handleListEvents)
		r.Get("/events/count", s.handleCountEvents)
		r.Get("/depositions/{srn}", s.handleGetDeposition)
		r.Get("/records/{srn}", s.handleGetRecord)
		r.Get("/conventions", s.handleListConventions)
		r.Get("/search", s.handleSearch)
	})
	return r
}

// Start binds addr and serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// healthProbeTimeout bounds each component probe inside /healthz.
const healthProbeTimeout = 2 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.db != nil {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		if err := s.db.PingContext(probeCtx); err != nil {
			metrics.UpdateComponent("database", false, err.Error())
		} else {
			metrics.UpdateComponent("database", true, "")
		}
		cancel()
	}

	for _, name := range s.indexes.Names() {
		backend, _ := s.indexes.Get(name)
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		// An empty query never touches a document but still passes
		// through the circuit breaker, so an open breaker surfaces here.
		_, err := backend.Search(probeCtx, "", 1)
		cancel()
		if err != nil {
			metrics.UpdateComponent("index:"+name, false, err.Error())
		} else {
			metrics.UpdateComponent("index:"+name, true, "")
		}
	}

	metrics.HealthHandler()(w, r)
}
