// Package client is a Go client for the archive's HTTP API, used by
// external pollers that walk the changefeed and resolve the aggregates
// it references.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openscience-archive/osa/pkg/domain"
	"github.com/openscience-archive/osa/pkg/srn"
)

const defaultTimeout = 10 * time.Second

// Client talks to one archive server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for a base URL like "http://archive:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Event is one changefeed entry.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventPage is one page of the changefeed. An empty NextCursor means the
// feed is exhausted for now.
type EventPage struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor"`
}

// EventsQuery selects a changefeed page.
type EventsQuery struct {
	Limit int
	// After resumes the walk after this event ID.
	After string
	Types []string
	// NewestFirst reverses the feed.
	NewestFirst bool
}

// Events fetches one changefeed page.
func (c *Client) Events(ctx context.Context, q EventsQuery) (*EventPage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	if len(q.Types) > 0 {
		params.Set("types", joinTypes(q.Types))
	}
	if q.NewestFirst {
		params.Set("order", "desc")
	}

	var page EventPage
	if err := c.get(ctx, "/v1/events", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CountEvents counts events, optionally restricted to types.
func (c *Client) CountEvents(ctx context.Context, types ...string) (int64, error) {
	params := url.Values{}
	if len(types) > 0 {
		params.Set("types", joinTypes(types))
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.get(ctx, "/v1/events/count", params, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Deposition is the API's deposition view: the aggregate plus the latest
// validation failure reasons when it sits in draft.
type Deposition struct {
	domain.Deposition
	ValidationReasons []string `json:"validation_reasons,omitempty"`
}

// GetDeposition fetches one deposition by SRN.
func (c *Client) GetDeposition(ctx context.Context, id srn.SRN) (*Deposition, error) {
	var dep Deposition
	if err := c.get(ctx, "/v1/depositions/"+url.PathEscape(id.String()), nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// GetRecord fetches one published record by SRN.
func (c *Client) GetRecord(ctx context.Context, id srn.SRN) (*domain.Record, error) {
	var rec domain.Record
	if err := c.get(ctx, "/v1/records/"+url.PathEscape(id.String()), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListConventions fetches a page of registered conventions.
func (c *Client) ListConventions(ctx context.Context, limit, offset int) ([]domain.Convention, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Conventions []domain.Convention `json:"conventions"`
	}
	if err := c.get(ctx, "/v1/conventions", params, &out); err != nil {
		return nil, err
	}
	return out.Conventions, nil
}

// SearchHit is one match returned by the search endpoint.
type SearchHit struct {
	SRN      srn.SRN        `json:"srn"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// SearchResult is the search endpoint's response.
type SearchResult struct {
	Backend string      `json:"backend"`
	Query   string      `json:"query"`
	Hits    []SearchHit `json:"hits"`
	Total   int         `json:"total"`
}

// Search queries one index backend. An empty backend name uses the
// server's default.
func (c *Client) Search(ctx context.Context, backend, query string, limit int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	if backend != "" {
		params.Set("backend", backend)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out SearchResult
	if err := c.get(ctx, "/v1/search", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthy reports whether the server considers itself healthy.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func joinTypes(types []string) string {
	out := types[0]
	for _, t := range types[1:] {
		out += "," + t
	}
	return out
}
