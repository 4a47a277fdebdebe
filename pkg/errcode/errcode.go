// Package errcode defines the error taxonomy for the ingestion pipeline.
//
// Every failure surfaced by a pipeline stage is classified into exactly one
// Code. The code carries two operational decisions: whether the broker should
// re-deliver the event (retryable) and what the producing team should do about
// it (remediation hint, forwarded on the dead-letter record).
package errcode

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure classification.
type Code string

// The full classification set. Codes are persisted on job rows and DLQ
// records; renaming one is a breaking change for operators.
const (
	ValidationError        Code = "validation_error"
	ChecksumMismatch       Code = "checksum_mismatch"
	UnknownSchemaMajor     Code = "unknown_schema_major"
	DuplicateEvent         Code = "duplicate_event"
	ObjectNotFound         Code = "object_not_found"
	PayloadTooLarge        Code = "payload_too_large"
	ObjectStoreUnavailable Code = "object_store_unavailable"
	PersistenceFailure     Code = "persistence_failure"
	VectorIndexFailure     Code = "vector_index_failure"
	NLPPartial             Code = "nlp_partial"
	IngestionTimeout       Code = "ingestion_timeout"
	ProcessingFailure      Code = "processing_failure"
	Cancelled              Code = "cancelled"
	RetryExhausted         Code = "retry_exhausted"
)

// Stage identifies the pipeline stage that raised an error. Stages double as
// log labels and per-stage deadline keys.
type Stage string

// Pipeline stages in execution order.
const (
	StageParse       Stage = "parse"
	StageDedupe      Stage = "dedupe"
	StageDownload    Stage = "download"
	StageChecksum    Stage = "checksum"
	StageValidate    Stage = "validate"
	StageChunkEmbed  Stage = "chunk_embed"
	StageNER         Stage = "ner"
	StageSentiment   Stage = "sentiment"
	StageVectorWrite Stage = "vector_write"
	StagePersist     Stage = "persist"
)

// Retryable reports whether the broker should re-deliver the event after this
// failure. Non-retryable events are acknowledged and dead-lettered.
func (c Code) Retryable() bool {
	switch c {
	case ObjectStoreUnavailable, PersistenceFailure, VectorIndexFailure,
		IngestionTimeout, ProcessingFailure:
		return true
	}
	return false
}

// RemediationHint returns the operator-facing hint recorded on DLQ entries.
// The hint tells triage who owns the fix: the producer, the platform team, or
// nobody (automatic retry).
func (c Code) RemediationHint() string {
	switch c {
	case ValidationError, UnknownSchemaMajor:
		return "Fix payload schema/format and republish within 24h"
	case ChecksumMismatch:
		return "Rebuild archive with correct checksums and republish"
	case DuplicateEvent:
		return "Investigate duplication; resend only if new transcript"
	case ObjectStoreUnavailable, PersistenceFailure, VectorIndexFailure,
		IngestionTimeout, ProcessingFailure:
		return "Automatic retry will occur; no action needed"
	case PayloadTooLarge:
		return "Reduce package size below the configured caps and republish"
	case ObjectNotFound:
		return "Archive older than 72h; produce fresh drop if still required"
	case RetryExhausted, Cancelled, NLPPartial:
		return "Contact platform team with trace_id for investigation"
	}
	return "Contact platform team with trace_id for investigation"
}

// StageError is the typed error every stage returns. It pins the
// classification at the point of failure so the router never has to guess
// from error text.
type StageError struct {
	Code  Code
	Stage Stage
	Err   error
}

// Error returns the formatted message.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Code)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// New creates a StageError with the given classification and cause.
func New(code Code, stage Stage, err error) *StageError {
	return &StageError{Code: code, Stage: stage, Err: err}
}

// Newf creates a StageError with a formatted cause message.
func Newf(code Code, stage Stage, format string, args ...any) *StageError {
	return &StageError{Code: code, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Classify converts an arbitrary error from the given stage into a
// StageError. Typed errors pass through unchanged; context errors map to
// ingestion_timeout / cancelled; everything else is processing_failure.
func Classify(err error, stage Stage) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(IngestionTimeout, stage, err)
	case errors.Is(err, context.Canceled):
		return New(Cancelled, stage, err)
	}
	return New(ProcessingFailure, stage, err)
}

// CodeOf extracts the classification from err, or processing_failure when the
// error carries none.
func CodeOf(err error) Code {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ProcessingFailure
}
