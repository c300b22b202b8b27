package ingest

import (
	"encoding/json"
	"time"

	"github.com/aneshas/aggregator"
)

// Candidate is an event submitted for ingestion
type Candidate struct {
	Topic   string
	EventID string
	Payload json.RawMessage

	// Optional
	Source     string
	OccurredAt time.Time
}

// Status is the outcome of ingesting a single candidate
type Status int

const (
	// StatusAccepted means the event was seen for the first time and stored
	StatusAccepted Status = iota

	// StatusDuplicate means the (topic, event id) pair was already claimed
	StatusDuplicate

	// StatusRejected means the candidate was malformed and never reached the store
	StatusRejected

	// StatusFailed means the store could not be reached or could not commit.
	// The candidate was not counted and may be resubmitted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the per-candidate outcome of Ingest
type Result struct {
	Topic   string
	EventID string
	Status  Status

	// Record is set only for StatusAccepted
	Record *aggregator.Record

	// Err is set for StatusRejected and StatusFailed
	Err error
}

// Retryable reports whether resubmitting the candidate may succeed
func (r Result) Retryable() bool { return r.Status == StatusFailed }

// Summary holds per-status totals of a batch
type Summary struct {
	Accepted   int
	Duplicates int
	Rejected   int
	Failed     int
}

// Summarize counts results by status
func Summarize(results []Result) Summary {
	var s Summary

	for _, r := range results {
		switch r.Status {
		case StatusAccepted:
			s.Accepted++
		case StatusDuplicate:
			s.Duplicates++
		case StatusRejected:
			s.Rejected++
		case StatusFailed:
			s.Failed++
		}
	}

	return s
}
