package aggregator

import (
	"encoding/json"
	"time"
)

// Claim represents an event that is to be claimed in the store
type Claim struct {
	Topic   string
	EventID string

	// Payload is stored verbatim, the store never inspects it
	Payload json.RawMessage

	// Optional
	Source     string
	OccurredAt time.Time
}

// Record holds an accepted event. Records are immutable once accepted
type Record struct {
	ID       string
	Sequence uint64

	Topic      string
	EventID    string
	Source     string
	Payload    json.RawMessage
	OccurredAt *time.Time
	ReceivedAt time.Time
}
