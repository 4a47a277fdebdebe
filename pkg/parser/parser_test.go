package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

func validValues() map[string]interface{} {
	return map[string]interface{}{
		"external_event_id": "rec-20251003T091500Z-3f9c4241",
		"package_uri":       "minio://ingestion/drop/2025/10/03/rec-20251003T091500Z-3f9c4241.tar.gz",
		"checksum":          "sha256:" + repeatHex(64),
		"schema_version":    "1.1",
		"retry_count":       "0",
		"produced_at":       "2025-10-03T09:15:00Z",
		"producer":          `{"service":"audio-pipeline","instance":"pipeline-2"}`,
		"priority":          "high",
		"metadata":          `{"trace_id":"550e8400-e29b-41d4-a716-446655440000","environment":"staging"}`,
	}
}

func repeatHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = "abcdef0123456789"[i%16]
	}
	return string(out)
}

func testParser() *Parser {
	p := New(map[int]bool{1: true})
	p.now = func() time.Time { return time.Date(2025, 10, 3, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestParseValidEnvelope(t *testing.T) {
	p := testParser()

	ev, err := p.Parse("1696324500000-0", validValues())
	require.NoError(t, err)

	assert.Equal(t, "rec-20251003T091500Z-3f9c4241", ev.ExternalEventID)
	assert.Equal(t, "ingestion", ev.Bucket)
	assert.Equal(t, "drop/2025/10/03/rec-20251003T091500Z-3f9c4241.tar.gz", ev.ObjectKey)
	assert.Equal(t, 1, ev.SchemaMajor)
	assert.Equal(t, 1, ev.SchemaMinor)
	assert.Equal(t, 0, ev.RetryCount)
	assert.Equal(t, "audio-pipeline", ev.Producer.Service)
	assert.Equal(t, "pipeline-2", ev.Producer.Instance)
	assert.Equal(t, models.PriorityHigh, ev.Priority)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", ev.TraceID)
	assert.False(t, ev.TraceGenerated)
	assert.Equal(t, "staging", ev.Metadata["environment"])
	assert.Equal(t, "1696324500000-0", ev.StreamID)
	assert.Empty(t, ev.Warnings)
	assert.True(t, ev.AtLeastVersion(1, 1))
}

func TestParseDefaultsOptionalFields(t *testing.T) {
	p := testParser()
	values := validValues()
	delete(values, "producer")
	delete(values, "priority")
	delete(values, "metadata")

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)

	assert.Equal(t, models.PriorityNormal, ev.Priority)
	assert.Empty(t, ev.Producer.Service)
	assert.True(t, ev.TraceGenerated)
	require.NotEmpty(t, ev.TraceID)
	assert.Len(t, ev.Warnings, 1)
	assert.Contains(t, ev.Warnings[0], "trace_id missing")
}

func TestParseRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(map[string]interface{})
		wantCode errcode.Code
	}{
		{
			name:     "missing external_event_id",
			mutate:   func(v map[string]interface{}) { delete(v, "external_event_id") },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "event id fails pattern",
			mutate:   func(v map[string]interface{}) { v["external_event_id"] = "rec-notatime-xyz" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "uppercase checksum hex",
			mutate:   func(v map[string]interface{}) { v["checksum"] = "sha256:" + "ABCDEF0123456789" + repeatHex(48) },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "checksum too short",
			mutate:   func(v map[string]interface{}) { v["checksum"] = "sha256:abc123" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "schema_version not major.minor",
			mutate:   func(v map[string]interface{}) { v["schema_version"] = "v1.0" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "unknown schema major",
			mutate:   func(v map[string]interface{}) { v["schema_version"] = "2.0" },
			wantCode: errcode.UnknownSchemaMajor,
		},
		{
			name:     "package_uri without scheme",
			mutate:   func(v map[string]interface{}) { v["package_uri"] = "ingestion/drop/a.tar.gz" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "package_uri without object key",
			mutate:   func(v map[string]interface{}) { v["package_uri"] = "minio://ingestion" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "retry_count negative",
			mutate:   func(v map[string]interface{}) { v["retry_count"] = "-1" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "retry_count above bound",
			mutate:   func(v map[string]interface{}) { v["retry_count"] = "11" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "retry_count not numeric",
			mutate:   func(v map[string]interface{}) { v["retry_count"] = "two" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "produced_at not RFC 3339",
			mutate:   func(v map[string]interface{}) { v["produced_at"] = "yesterday" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "priority unknown",
			mutate:   func(v map[string]interface{}) { v["priority"] = "urgent" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "producer not JSON",
			mutate:   func(v map[string]interface{}) { v["producer"] = "audio-pipeline" },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "producer service empty",
			mutate:   func(v map[string]interface{}) { v["producer"] = `{"instance":"x"}` },
			wantCode: errcode.ValidationError,
		},
		{
			name:     "metadata not JSON",
			mutate:   func(v map[string]interface{}) { v["metadata"] = "trace=abc" },
			wantCode: errcode.ValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := validValues()
			tt.mutate(values)

			_, err := testParser().Parse("1-0", values)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errcode.CodeOf(err))

			var stageErr *errcode.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, errcode.StageParse, stageErr.Stage)
		})
	}
}

func TestParseGeneratesTraceForMalformedUUID(t *testing.T) {
	p := testParser()
	values := validValues()
	values["metadata"] = `{"trace_id":"not-a-uuid"}`

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)

	assert.True(t, ev.TraceGenerated)
	assert.NotEqual(t, "not-a-uuid", ev.TraceID)
	require.Len(t, ev.Warnings, 1)
	assert.Contains(t, ev.Warnings[0], "not a UUID v4")
}

func TestParseGeneratesTraceForWrongUUIDVersion(t *testing.T) {
	p := testParser()
	values := validValues()
	// A valid UUID v1; the contract requires v4.
	values["metadata"] = `{"trace_id":"c232ab00-9414-11ec-b3c8-9f68deced846"}`

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)

	assert.True(t, ev.TraceGenerated)
	assert.NotEqual(t, "c232ab00-9414-11ec-b3c8-9f68deced846", ev.TraceID)
}

func TestParseWarnsOnFutureDatedEventID(t *testing.T) {
	p := testParser()
	values := validValues()
	values["external_event_id"] = "rec-20251005T091500Z-3f9c4241"

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)

	require.Len(t, ev.Warnings, 1)
	assert.Contains(t, ev.Warnings[0], "future")
}

func TestParseAcceptsFutureWithinSkewWindow(t *testing.T) {
	p := testParser()
	values := validValues()
	// 20h ahead of the pinned clock stays inside the 24h window.
	values["external_event_id"] = "rec-20251004T080000Z-3f9c4241"

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)
	assert.Empty(t, ev.Warnings)
}

func TestParseNonStringMetadataValuesAreKeptRaw(t *testing.T) {
	p := testParser()
	values := validValues()
	values["metadata"] = `{"trace_id":"550e8400-e29b-41d4-a716-446655440000","attempt":3}`

	ev, err := p.Parse("1-0", values)
	require.NoError(t, err)
	assert.Equal(t, "3", ev.Metadata["attempt"])
}
