// Package echoapi exposes the ingestion engine over HTTP using echo.
package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aneshas/aggregator"
	"github.com/aneshas/aggregator/ingest"
	"github.com/labstack/echo/v4"
	"github.com/relvacode/iso8601"
)

var _ Engine = (*ingest.Engine)(nil)

// Engine is the ingestion engine the handlers delegate to
type Engine interface {
	Ingest(ctx context.Context, candidates ...ingest.Candidate) []ingest.Result
	Stats() ingest.Stats
	QueryTopic(ctx context.Context, topic string) ([]aggregator.Record, error)
	TopicCounts(ctx context.Context) (map[string]int64, error)
}

// Event is the JSON representation of a published event
type Event struct {
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp,omitempty"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StoredEvent is the JSON representation of an accepted event
type StoredEvent struct {
	Topic      string          `json:"topic"`
	EventID    string          `json:"event_id"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Source     string          `json:"source,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ItemResult is the outcome of a single published event
type ItemResult struct {
	Topic   string `json:"topic"`
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Retry   bool   `json:"retryable,omitempty"`
}

// PublishResp is the /publish response
type PublishResp struct {
	Received   int          `json:"received"`
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
}

// StatsResp is the /stats response
type StatsResp struct {
	Received         uint64           `json:"received"`
	UniqueProcessed  uint64           `json:"unique_processed"`
	DuplicateDropped uint64           `json:"duplicate_dropped"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
	Throughput       float64          `json:"throughput"`
	DuplicateRate    float64          `json:"duplicate_rate"`
	Topics           map[string]int64 `json:"topics"`
}

// Option represents handlers configuration option
type Option func(*Handlers)

// WithLogger sets the handlers logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// New constructs http handlers for the engine
func New(engine Engine, opts ...Option) *Handlers {
	h := Handlers{
		engine: engine,
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(&h)
	}

	return &h
}

// Handlers holds the aggregator http handlers
type Handlers struct {
	engine Engine
	logger *slog.Logger
}

// Register mounts all routes on e
func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/publish", h.Publish)
	e.GET("/events", h.Events)
	e.GET("/stats", h.Stats)
}

// Health reports liveness
func (h *Handlers) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Publish accepts a single event object or an array of events
func (h *Handlers) Publish(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}

	events, err := decodeEvents(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	candidates := make([]ingest.Candidate, len(events))

	for i, evt := range events {
		candidates[i], err = evt.candidate()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	results := h.engine.Ingest(c.Request().Context(), candidates...)
	sum := ingest.Summarize(results)

	resp := PublishResp{
		Received:   len(results),
		Accepted:   sum.Accepted,
		Duplicates: sum.Duplicates,
		Rejected:   sum.Rejected,
		Failed:     sum.Failed,
		Results:    make([]ItemResult, len(results)),
	}

	for i, r := range results {
		item := ItemResult{
			Topic:   r.Topic,
			EventID: r.EventID,
			Status:  r.Status.String(),
			Retry:   r.Retryable(),
		}

		if r.Err != nil {
			item.Error = r.Err.Error()
		}

		resp.Results[i] = item
	}

	return c.JSON(publishStatus(sum, len(results)), resp)
}

// publishStatus maps batch totals to a status code. Any store failure makes
// the whole request retryable, which is safe since resubmitted claims are idempotent
func publishStatus(sum ingest.Summary, total int) int {
	switch {
	case sum.Failed > 0:
		return http.StatusServiceUnavailable
	case sum.Rejected == total:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Events returns the accepted events of a topic in acceptance order
func (h *Handlers) Events(c echo.Context) error {
	topic := c.QueryParam("topic")
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic query parameter is required")
	}

	records, err := h.engine.QueryTopic(c.Request().Context(), topic)
	if err != nil {
		return storeError(err)
	}

	out := make([]StoredEvent, len(records))

	for i, rec := range records {
		out[i] = StoredEvent{
			Topic:      rec.Topic,
			EventID:    rec.EventID,
			Timestamp:  rec.OccurredAt,
			Source:     rec.Source,
			Payload:    rec.Payload,
			ReceivedAt: rec.ReceivedAt,
		}
	}

	return c.JSON(http.StatusOK, out)
}

// Stats returns ingestion counters and unique events per topic
func (h *Handlers) Stats(c echo.Context) error {
	s := h.engine.Stats()

	// counters are in memory and are reported even when the store is down
	topics, err := h.engine.TopicCounts(c.Request().Context())
	if err != nil {
		h.logger.Warn("topic counts unavailable", "error", err)

		topics = nil
	}

	return c.JSON(http.StatusOK, StatsResp{
		Received:         s.Received,
		UniqueProcessed:  s.UniqueProcessed,
		DuplicateDropped: s.DuplicateDropped,
		UptimeSeconds:    s.Uptime.Seconds(),
		Throughput:       s.Throughput(),
		DuplicateRate:    s.DuplicateRate(),
		Topics:           topics,
	})
}

func storeError(err error) error {
	if errors.Is(err, aggregator.ErrStoreUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error()).SetInternal(err)
	}

	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}

// decodeEvents accepts either a single JSON object or a JSON array
func decodeEvents(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)

	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}

	if body[0] == '[' {
		var events []Event

		if err := json.Unmarshal(body, &events); err != nil {
			return nil, errors.New("malformed event batch")
		}

		if len(events) == 0 {
			return nil, errors.New("event batch is empty")
		}

		return events, nil
	}

	var evt Event

	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.New("malformed event")
	}

	return []Event{evt}, nil
}

func (e Event) candidate() (ingest.Candidate, error) {
	c := ingest.Candidate{
		Topic:   e.Topic,
		EventID: e.EventID,
		Payload: e.Payload,
		Source:  e.Source,
	}

	if e.Timestamp != "" {
		ts, err := iso8601.ParseString(e.Timestamp)
		if err != nil {
			return ingest.Candidate{}, errors.New("timestamp must be ISO-8601")
		}

		c.OccurredAt = ts
	}

	return c, nil
}
