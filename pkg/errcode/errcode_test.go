package errcode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{ValidationError, false},
		{ChecksumMismatch, false},
		{UnknownSchemaMajor, false},
		{DuplicateEvent, false},
		{ObjectNotFound, false},
		{PayloadTooLarge, false},
		{ObjectStoreUnavailable, true},
		{PersistenceFailure, true},
		{VectorIndexFailure, true},
		{NLPPartial, false},
		{IngestionTimeout, true},
		{ProcessingFailure, true},
		{Cancelled, false},
		{RetryExhausted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.code.Retryable())
		})
	}
}

func TestRemediationHint(t *testing.T) {
	// Every code must carry a non-empty hint for the DLQ record.
	codes := []Code{
		ValidationError, ChecksumMismatch, UnknownSchemaMajor, DuplicateEvent,
		ObjectNotFound, PayloadTooLarge, ObjectStoreUnavailable,
		PersistenceFailure, VectorIndexFailure, NLPPartial, IngestionTimeout,
		ProcessingFailure, Cancelled, RetryExhausted,
	}
	for _, code := range codes {
		assert.NotEmpty(t, code.RemediationHint(), "code %s", code)
	}

	assert.Equal(t, "Rebuild archive with correct checksums and republish",
		ChecksumMismatch.RemediationHint())
	assert.Equal(t, "Fix payload schema/format and republish within 24h",
		ValidationError.RemediationHint())
	assert.Equal(t, ValidationError.RemediationHint(), UnknownSchemaMajor.RemediationHint())
}

func TestStageErrorFormatting(t *testing.T) {
	cause := errors.New("digest mismatch on conversation.json")
	err := New(ChecksumMismatch, StageChecksum, cause)

	assert.Equal(t, "checksum: checksum_mismatch: digest mismatch on conversation.json", err.Error())
	assert.ErrorIs(t, err, cause)

	noCause := New(DuplicateEvent, StageDedupe, nil)
	assert.Equal(t, "dedupe: duplicate_event", noCause.Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "typed error passes through",
			err:  New(ObjectNotFound, StageDownload, errors.New("no such key")),
			want: ObjectNotFound,
		},
		{
			name: "wrapped typed error passes through",
			err:  fmt.Errorf("stage failed: %w", New(ValidationError, StageValidate, errors.New("bad segment"))),
			want: ValidationError,
		},
		{
			name: "deadline exceeded maps to ingestion_timeout",
			err:  context.DeadlineExceeded,
			want: IngestionTimeout,
		},
		{
			name: "cancellation maps to cancelled",
			err:  context.Canceled,
			want: Cancelled,
		},
		{
			name: "unknown error maps to processing_failure",
			err:  errors.New("something odd"),
			want: ProcessingFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify(tt.err, StageDownload)
			require.NotNil(t, se)
			assert.Equal(t, tt.want, se.Code)
		})
	}
}

func TestClassifyPreservesOriginalStage(t *testing.T) {
	inner := New(PersistenceFailure, StagePersist, errors.New("tx aborted"))
	se := Classify(fmt.Errorf("outer: %w", inner), StageVectorWrite)
	assert.Equal(t, StagePersist, se.Stage)
	assert.Equal(t, PersistenceFailure, se.Code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ChecksumMismatch, CodeOf(New(ChecksumMismatch, StageChecksum, nil)))
	assert.Equal(t, ProcessingFailure, CodeOf(errors.New("untyped")))
}
