package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/srn"
	"github.com/openscience-archive/osa/pkg/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type eventJSON struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type eventPage struct {
	Events     []eventJSON `json:"events"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// handleListEvents is the changefeed: cursor-paginated events, oldest
// first by default so pollers can walk forward from their last cursor.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := outbox.ListQuery{Limit: pageLimit(r)}

	if after := r.URL.Query().Get("after"); after != "" {
		cursor, err := uuid.Parse(after)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		q.AfterCursor = cursor
	}
	q.Types = typesParam(r)

	switch order := r.URL.Query().Get("order"); order {
	case "", "asc":
	case "desc":
		q.NewestFirst = true
	default:
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	uow, err := s.factory.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer uow.Rollback() //nolint:errcheck

	stored, err := uow.Outbox.ListEvents(r.Context(), q)
	if err != nil {
		s.internalError(w, err)
		return
	}

	page := eventPage{Events: make([]eventJSON, 0, len(stored))}
	for _, ev := range stored {
		page.Events = append(page.Events, eventJSON{
			ID:        ev.ID,
			Type:      ev.Type,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt,
		})
	}
	if len(stored) == q.Limit {
		page.NextCursor = stored[len(stored)-1].ID.String()
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCountEvents(w http.ResponseWriter, r *http.Request) {
	uow, err := s.factory.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer uow.Rollback() //nolint:errcheck

	count, err := uow.Outbox.CountEvents(r.Context(), typesParam(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

type depositionJSON struct {
	*domain.Deposition
	// ValidationReasons surfaces the latest failure when the deposition
	// was returned to draft.
	ValidationReasons []string `json:"validation_reasons,omitempty"`
}

func (s *Server) handleGetDeposition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSRN(w, r)
	if !ok {
		return
	}

	uow, err := s.factory.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer uow.Rollback() //nolint:errcheck

	dep, err := uow.Stores.Depositions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deposition not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := depositionJSON{Deposition: dep}
	if dep.Status == domain.DepositionDraft {
		reasons, err := s.svc.ValidationReasons(r.Context(), uow, id)
		if err != nil {
			s.internalError(w, err)
			return
		}
		out.ValidationReasons = reasons
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSRN(w, r)
	if !ok {
		return
	}

	uow, err := s.factory.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer uow.Rollback() //nolint:errcheck

	rec, err := uow.Stores.Records.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListConventions(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{Limit: pageLimit(r)}
	if off := r.URL.Query().Get("offset"); off != "" {
		n, err := strconv.Atoi(off)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	uow, err := s.factory.Begin(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	defer uow.Rollback() //nolint:errcheck

	convs, err := uow.Stores.Conventions.List(r.Context(), opts)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conventions": convs})
}

type searchResult struct {
	Backend string      `json:"backend"`
	Query   string      `json:"query"`
	Hits    []index.Hit `json:"hits"`
	Total   int         `json:"total"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	name := r.URL.Query().Get("backend")
	if name == "" {
		names := s.indexes.Names()
		if len(names) == 0 {
			writeError(w, http.StatusServiceUnavailable, "no index backends configured")
			return
		}
		name = names[0]
	}
	backend, ok := s.indexes.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown index backend "+name)
		return
	}

	res, err := backend.Search(r.Context(), query, pageLimit(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	hits := res.Hits
	if hits == nil {
		hits = []index.Hit{}
	}
	writeJSON(w, http.StatusOK, searchResult{
		Backend: name,
		Query:   query,
		Hits:    hits,
		Total:   res.Total,
	})
}

func pathSRN(w http.ResponseWriter, r *http.Request) (srn.SRN, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "srn"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed srn")
		return srn.SRN{}, false
	}
	id, err := srn.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return srn.SRN{}, false
	}
	return id, true
}

func pageLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultPageLimit
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}

func typesParam(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
