// Package metrics defines the Prometheus instruments emitted by the
// ingestion pipeline. All instruments share the audio_ingest_* prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "audio"
	subsystem = "ingest"
)

// Metrics holds every instrument the pipeline emits. Create one instance at
// startup via New and share it; all operations are safe for concurrent use.
type Metrics struct {
	// MessagesTotal counts events read from the stream, before any outcome
	// is known.
	MessagesTotal prometheus.Counter

	// FailuresTotal counts terminal failures by error code. Retryable
	// attempts that will be re-delivered are counted in RetriesTotal instead.
	FailuresTotal *prometheus.CounterVec

	// MessagesInflight tracks events currently being processed.
	MessagesInflight prometheus.Gauge

	// AckLatency measures time from stream read to ack decision.
	AckLatency prometheus.Histogram

	// ValidationDuration measures payload schema validation time.
	ValidationDuration prometheus.Summary

	// ChecksumValidationDuration measures the three-level integrity check.
	ChecksumValidationDuration prometheus.Summary

	// ProcessingDuration measures full pipeline time per event.
	ProcessingDuration prometheus.Histogram

	// NLPDuration measures the enrichment stage by source (upstream, local, none).
	NLPDuration *prometheus.HistogramVec

	// DownloadSizeBytes observes compressed package sizes.
	DownloadSizeBytes prometheus.Histogram

	// ConversationSegments observes segment counts per validated document.
	ConversationSegments prometheus.Histogram

	// ConversationParticipants observes participant counts per document.
	ConversationParticipants prometheus.Histogram

	// TraceIDPresentTotal counts events that carried a valid trace_id.
	TraceIDPresentTotal prometheus.Counter

	// DLQPublishedTotal counts records written to the dead-letter stream.
	DLQPublishedTotal prometheus.Counter

	// RetriesTotal counts re-delivery decisions by error code.
	RetriesTotal *prometheus.CounterVec

	// NLPSourceTotal counts completed jobs by enrichment source.
	NLPSourceTotal *prometheus.CounterVec

	// DuplicatesTotal counts events skipped because a job for the same
	// external_event_id already reached a terminal or active state.
	DuplicatesTotal prometheus.Counter
}

// New creates and registers all pipeline instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total events read from the ingestion stream",
		}),

		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Terminal ingestion failures by error code",
		}, []string{"reason"}),

		MessagesInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_inflight",
			Help:      "Events currently being processed",
		}),

		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ack_latency_seconds",
			Help:      "Time from stream read to ack decision",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 30},
		}),

		ValidationDuration: factory.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       "validation_duration_seconds",
			Help:       "Payload validation duration",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),

		ChecksumValidationDuration: factory.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       "checksum_validation_duration_seconds",
			Help:       "Integrity verification duration across all three levels",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),

		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "processing_duration_seconds",
			Help:      "End-to-end pipeline duration per event",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
		}),

		NLPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nlp_duration_seconds",
			Help:      "Enrichment stage duration by source",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),

		DownloadSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "download_size_bytes",
			Help:      "Compressed package size",
			Buckets:   []float64{1e6, 5e6, 10e6, 50e6, 100e6, 250e6, 500e6},
		}),

		ConversationSegments: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conversation_segments",
			Help:      "Segments per validated conversation",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000},
		}),

		ConversationParticipants: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conversation_participants",
			Help:      "Participants per validated conversation",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}),

		TraceIDPresentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "trace_id_present_total",
			Help:      "Events carrying a valid trace_id",
		}),

		DLQPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dlq_published_total",
			Help:      "Records published to the dead-letter stream",
		}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Re-delivery decisions by error code",
		}, []string{"reason"}),

		NLPSourceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nlp_source_total",
			Help:      "Completed jobs by enrichment source",
		}, []string{"source"}),

		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicates_total",
			Help:      "Events skipped because the external_event_id was already ingested",
		}),
	}
}

// NewRegistry builds the service registry with standard process and Go
// runtime collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
