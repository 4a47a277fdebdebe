package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessagesTotal.Inc()
	m.FailuresTotal.WithLabelValues("checksum_mismatch").Inc()
	m.MessagesInflight.Set(3)
	m.AckLatency.Observe(1.2)
	m.ValidationDuration.Observe(0.004)
	m.ChecksumValidationDuration.Observe(0.9)
	m.ProcessingDuration.Observe(42)
	m.NLPDuration.WithLabelValues("local").Observe(8)
	m.DownloadSizeBytes.Observe(12e6)
	m.ConversationSegments.Observe(120)
	m.ConversationParticipants.Observe(4)
	m.TraceIDPresentTotal.Inc()
	m.DLQPublishedTotal.Inc()
	m.RetriesTotal.WithLabelValues("object_store_unavailable").Inc()
	m.NLPSourceTotal.WithLabelValues("upstream").Inc()
	m.DuplicatesTotal.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, fam := range families {
		names[fam.GetName()] = true
	}

	expected := []string{
		"audio_ingest_messages_total",
		"audio_ingest_failures_total",
		"audio_ingest_messages_inflight",
		"audio_ingest_ack_latency_seconds",
		"audio_ingest_validation_duration_seconds",
		"audio_ingest_checksum_validation_duration_seconds",
		"audio_ingest_processing_duration_seconds",
		"audio_ingest_nlp_duration_seconds",
		"audio_ingest_download_size_bytes",
		"audio_ingest_conversation_segments",
		"audio_ingest_conversation_participants",
		"audio_ingest_trace_id_present_total",
		"audio_ingest_dlq_published_total",
		"audio_ingest_retries_total",
		"audio_ingest_nlp_source_total",
		"audio_ingest_duplicates_total",
	}
	for _, name := range expected {
		assert.True(t, names[name], "missing metric family %s", name)
	}
}

func TestCounterValues(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MessagesTotal.Inc()
	m.MessagesTotal.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal))

	m.FailuresTotal.WithLabelValues("validation_error").Inc()
	m.FailuresTotal.WithLabelValues("validation_error").Inc()
	m.FailuresTotal.WithLabelValues("checksum_mismatch").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("validation_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("checksum_mismatch")))

	m.RetriesTotal.WithLabelValues("persistence_failure").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("persistence_failure")))
}

func TestInflightGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MessagesInflight.Inc()
	m.MessagesInflight.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesInflight))

	m.MessagesInflight.Dec()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesInflight))
}

func TestNLPSourceLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.NLPSourceTotal.WithLabelValues("upstream").Inc()
	m.NLPSourceTotal.WithLabelValues("local").Inc()
	m.NLPSourceTotal.WithLabelValues("none").Inc()

	expected := `
		# HELP audio_ingest_nlp_source_total Completed jobs by enrichment source
		# TYPE audio_ingest_nlp_source_total counter
		audio_ingest_nlp_source_total{source="local"} 1
		audio_ingest_nlp_source_total{source="none"} 1
		audio_ingest_nlp_source_total{source="upstream"} 1
	`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "audio_ingest_nlp_source_total")
	assert.NoError(t, err)
}

func TestNewRegistryIncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()

	families, err := reg.Gather()
	require.NoError(t, err)

	var hasGoroutines bool
	for _, fam := range families {
		if fam.GetName() == "go_goroutines" {
			hasGoroutines = true
		}
	}
	assert.True(t, hasGoroutines)
}

func TestIsolatedRegistriesDoNotConflict(t *testing.T) {
	m1 := New(prometheus.NewRegistry())
	m2 := New(prometheus.NewRegistry())

	m1.MessagesTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.MessagesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.MessagesTotal))
}
