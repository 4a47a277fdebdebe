package models

import (
	"time"

	"github.com/recallio/audio-ingest/pkg/errcode"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

// Job lifecycle states. completed and failed are terminal; retry marks a job
// waiting for broker re-delivery after a retryable failure.
const (
	JobStatusPending     JobStatus = "pending"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusNormalizing JobStatus = "normalizing"
	JobStatusEmbedding   JobStatus = "embedding"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusRetry       JobStatus = "retry"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the persisted ground truth for one event's processing history.
// Exactly one row exists per external_event_id.
type Job struct {
	ID              string
	ExternalEventID string
	TraceID         string
	SourceBucket    string
	SourceKey       string
	Checksum        string
	SchemaVersion   string

	Status       JobStatus
	ErrorCode    errcode.Code
	ErrorMessage string
	RetryCount   int
	MaxRetries   int

	Priority         Priority
	ProducerService  string
	ProducerInstance string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastErrorAt *time.Time

	FileSizeBytes        *int64
	ProcessingDurationMS *int64
	ProcessingMetadata   ProcessingMetadata
	ConversationID       *string
}

// ProcessingMetadata is the jsonb bag of per-job observability facts,
// populated on completion (or as far as processing got).
type ProcessingMetadata struct {
	SegmentCount     int      `json:"segment_count,omitempty"`
	ParticipantCount int      `json:"participant_count,omitempty"`
	ChunkCount       int      `json:"chunk_count,omitempty"`
	ChunkingStrategy string   `json:"chunking_strategy,omitempty"`
	NLPSource        string   `json:"nlp_source,omitempty"`
	NLPPartial       bool     `json:"nlp_partial,omitempty"`
	NLPError         string   `json:"nlp_error,omitempty"`
	TopPersons       []string `json:"top_persons,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	DownloadBytes    int64    `json:"download_bytes,omitempty"`
	UncompressedSize int64    `json:"uncompressed_size,omitempty"`
}
