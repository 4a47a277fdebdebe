// Package models defines the shared domain types: the inbound event envelope,
// the conversation document, job rows, and enrichment results.
package models

import (
	"strings"
	"time"
)

// Priority is the producer-declared processing priority.
type Priority string

// Recognized priorities.
const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Producer identifies the upstream service instance that published an event.
type Producer struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
}

// Event is a validated envelope read from the ingestion stream. StreamID is
// the broker entry identifier used for ack and claim; everything else comes
// from the producer contract.
type Event struct {
	ExternalEventID string
	PackageURI      string
	Bucket          string
	ObjectKey       string
	Checksum        string // "sha256:" + 64 lowercase hex
	SchemaVersion   string // "major.minor"
	SchemaMajor     int
	SchemaMinor     int
	RetryCount      int
	ProducedAt      time.Time
	Producer        Producer
	Priority        Priority
	TraceID         string
	// TraceGenerated is set when the producer omitted a usable trace_id and
	// the parser minted one; such events skip the presence counter.
	TraceGenerated bool
	Metadata       map[string]string

	StreamID   string
	ReceivedAt time.Time

	// Warnings collects non-fatal findings from envelope parsing (missing
	// trace, future-dated identifiers). Logged once, then carried on the job.
	Warnings []string
}

// ChecksumHex returns the envelope digest without its "sha256:" prefix.
func (e *Event) ChecksumHex() string {
	return strings.TrimPrefix(e.Checksum, "sha256:")
}

// AtLeastVersion reports whether the declared schema version is >= the given
// major.minor pair.
func (e *Event) AtLeastVersion(major, minor int) bool {
	if e.SchemaMajor != major {
		return e.SchemaMajor > major
	}
	return e.SchemaMinor >= minor
}
