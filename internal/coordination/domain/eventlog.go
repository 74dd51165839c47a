package domain

import "time"

// EventLogRecord is an audit row describing one published event envelope.
// Rows are append-only; the table exists for inspection, not resubscription.
type EventLogRecord struct {
	ID            string
	EventType     string
	Timestamp     time.Time
	Actor         string
	CorrelationID string
	EntityID      string
	EntityType    string
	Severity      string
	Tags          string
	Payload       string
}
