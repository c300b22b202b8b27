// Package ingest claims batches of candidate events against the dedup store
// and keeps running counters consistent with the outcomes the store produced.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aneshas/aggregator"
)

// Store represents the dedup store
type Store interface {
	TryClaim(ctx context.Context, c aggregator.Claim) (aggregator.Record, error)
	ListByTopic(ctx context.Context, topic string, opts ...aggregator.ReadOpt) ([]aggregator.Record, error)
	TopicCounts(ctx context.Context) (map[string]int64, error)
}

var _ Store = (*aggregator.Store)(nil)

// Option represents engine configuration option
type Option func(*Engine)

// WithCounters makes the engine account into the provided counters
func WithCounters(c *Counters) Option {
	return func(e *Engine) {
		if c != nil {
			e.counters = c
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClaimTimeout bounds every individual claim. A claim that does not
// complete in time is reported as a failed (retryable) result
func WithClaimTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.claimTimeout = d
	}
}

// New constructs an ingestion engine on top of the dedup store
func New(store Store, opts ...Option) *Engine {
	e := Engine{
		store:    store,
		counters: NewCounters(),
		logger:   slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(&e)
	}

	return &e
}

// Engine claims candidate events and maintains ingestion stats
type Engine struct {
	store        Store
	counters     *Counters
	logger       *slog.Logger
	claimTimeout time.Duration
}

// Ingest claims each candidate in the order given and returns one result per candidate.
// A malformed candidate or a store failure only affects its own result;
// the rest of the batch is still processed. Claims already made are never
// rolled back, even if ctx is cancelled half way through the batch
func (e *Engine) Ingest(ctx context.Context, candidates ...Candidate) []Result {
	results := make([]Result, len(candidates))

	for i, c := range candidates {
		results[i] = e.ingest(ctx, c)
	}

	return results
}

func (e *Engine) ingest(ctx context.Context, c Candidate) Result {
	res := Result{
		Topic:   c.Topic,
		EventID: c.EventID,
	}

	if c.Topic == "" || c.EventID == "" {
		res.Status = StatusRejected
		res.Err = aggregator.ErrInvalidEvent

		return res
	}

	rec, err := e.claim(ctx, c)

	switch {
	case err == nil:
		e.counters.incUnique()

		res.Status = StatusAccepted
		res.Record = &rec

	case errors.Is(err, aggregator.ErrAlreadyExists):
		e.counters.incDuplicate()

		res.Status = StatusDuplicate

		e.logger.Debug("duplicate event dropped", "topic", c.Topic, "event_id", c.EventID)

	default:
		if !errors.Is(err, aggregator.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", aggregator.ErrStoreUnavailable, err)
		}

		res.Status = StatusFailed
		res.Err = err

		e.logger.Warn("claim failed", "topic", c.Topic, "event_id", c.EventID, "error", err)
	}

	return res
}

func (e *Engine) claim(ctx context.Context, c Candidate) (aggregator.Record, error) {
	if e.claimTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.claimTimeout)
		defer cancel()
	}

	return e.store.TryClaim(ctx, aggregator.Claim{
		Topic:      c.Topic,
		EventID:    c.EventID,
		Payload:    c.Payload,
		Source:     c.Source,
		OccurredAt: c.OccurredAt,
	})
}

// Stats returns a consistent snapshot of the ingestion counters
func (e *Engine) Stats() Stats { return e.counters.Snapshot() }

// QueryTopic returns all accepted records of a topic in acceptance order
func (e *Engine) QueryTopic(ctx context.Context, topic string) ([]aggregator.Record, error) {
	return e.store.ListByTopic(ctx, topic)
}

// TopicCounts returns the number of accepted records per topic
func (e *Engine) TopicCounts(ctx context.Context) (map[string]int64, error) {
	return e.store.TopicCounts(ctx)
}
