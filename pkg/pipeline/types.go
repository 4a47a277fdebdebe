// Package pipeline sequences the per-event processing stages and decides each
// event's outcome: ack, re-delivery, or dead-letter.
package pipeline

import (
	"time"

	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

// Result is the outcome of processing one stream entry. The consumer owns the
// broker side effects: it acks when Ack is set and publishes DLQ when set.
type Result struct {
	// Event is nil when the envelope could not be parsed.
	Event    *models.Event
	StreamID string

	// Ack tells the consumer to acknowledge the entry. Unset means the entry
	// stays pending for broker re-delivery.
	Ack bool

	// Duplicate marks an event skipped because its external_event_id already
	// reached a terminal state.
	Duplicate bool

	// Code is empty on success.
	Code errcode.Code
	Err  error

	// DLQ is the dead-letter record to publish, when the failure is final.
	DLQ *DLQRecord
}

// Failed reports whether the event ended in failure (duplicates are not
// failures).
func (r *Result) Failed() bool {
	return r.Code != "" && !r.Duplicate
}

// DLQRecord is the payload published to the dead-letter stream. It carries
// the complete original envelope so producers can replay without a lookup.
type DLQRecord struct {
	Original        map[string]string
	ErrorCode       errcode.Code
	ErrorMessage    string
	RemediationHint string
	FailedAt        time.Time
	AttemptCount    int
	TraceID         string
}

// StreamValues flattens the record into the field map for XAdd. Original
// envelope fields keep their names; failure fields are namespaced to avoid
// collisions with producer keys.
func (d *DLQRecord) StreamValues() map[string]any {
	values := make(map[string]any, len(d.Original)+6)
	for k, v := range d.Original {
		values[k] = v
	}
	values["dlq_error_code"] = string(d.ErrorCode)
	values["dlq_error_message"] = d.ErrorMessage
	values["dlq_remediation_hint"] = d.RemediationHint
	values["dlq_failed_at"] = d.FailedAt.UTC().Format(time.RFC3339)
	values["dlq_attempt_count"] = d.AttemptCount
	values["trace_id"] = d.TraceID
	return values
}
