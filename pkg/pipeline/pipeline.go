package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/fetch"
	"github.com/recallio/audio-ingest/pkg/metrics"
	"github.com/recallio/audio-ingest/pkg/models"
	"github.com/recallio/audio-ingest/pkg/storage"
	"github.com/recallio/audio-ingest/pkg/validate"
	"github.com/recallio/audio-ingest/pkg/vectorstore"
)

// EnvelopeParser turns raw stream fields into a typed event.
type EnvelopeParser interface {
	Parse(streamID string, values map[string]interface{}) (*models.Event, error)
}

// JobStore is the persistence surface the pipeline needs for job rows.
type JobStore interface {
	CreateOrGet(ctx context.Context, ev *models.Event, maxRetries int) (*models.Job, bool, error)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus) error
	MarkCompleted(ctx context.Context, jobID, conversationID string, durationMS int64, fileSizeBytes *int64, meta models.ProcessingMetadata) error
	MarkFailed(ctx context.Context, jobID string, code errcode.Code, message string) error
	MarkRetry(ctx context.Context, jobID string, code errcode.Code, message string) (int, error)
}

// ConversationStore persists the assembled conversation.
type ConversationStore interface {
	Save(ctx context.Context, conv *models.Conversation, turns []models.ConversationTurn) error
}

// Fetcher downloads and extracts packages.
type Fetcher interface {
	Fetch(ctx context.Context, ev *models.Event) (*fetch.Package, error)
	Archive(ctx context.Context, ev *models.Event, jobID string) (string, error)
}

// Verifier runs the three-level integrity check.
type Verifier interface {
	Verify(ctx context.Context, archivePath, packageDir, envelopeChecksum string) error
}

// Validator checks the conversation document.
type Validator interface {
	ValidateFile(path string, ev *models.Event) (*validate.Result, error)
}

// Enricher produces chunks, embeddings, and annotations.
type Enricher interface {
	Enrich(ctx context.Context, doc *models.ConversationDocument, traceID string) (*models.EnrichmentResult, error)
}

// VectorStore indexes chunk vectors and supports the compensating delete.
type VectorStore interface {
	UpsertConversation(ctx context.Context, cv vectorstore.ConversationVectors) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Pipeline processes one event end to end. Stateless; safe for concurrent
// Process calls from the worker pool.
type Pipeline struct {
	parser        EnvelopeParser
	jobs          JobStore
	conversations ConversationStore
	fetcher       Fetcher
	verifier      Verifier
	validator     Validator
	enricher      Enricher
	vectors       VectorStore
	metrics       *metrics.Metrics

	collection string
	maxRetries int
	timeouts   config.StageTimeouts

	now func() time.Time
}

// New wires the pipeline.
func New(
	parser EnvelopeParser,
	jobs JobStore,
	conversations ConversationStore,
	fetcher Fetcher,
	verifier Verifier,
	validator Validator,
	enricher Enricher,
	vectors VectorStore,
	m *metrics.Metrics,
	collection string,
	pipeCfg config.PipelineConfig,
) *Pipeline {
	return &Pipeline{
		parser:        parser,
		jobs:          jobs,
		conversations: conversations,
		fetcher:       fetcher,
		verifier:      verifier,
		validator:     validator,
		enricher:      enricher,
		vectors:       vectors,
		metrics:       m,
		collection:    collection,
		maxRetries:    pipeCfg.MaxRetries,
		timeouts:      pipeCfg.Stages,
		now:           time.Now,
	}
}

// Process runs one stream entry through every stage and returns the outcome.
// It never returns an error: every failure is folded into the Result so the
// consumer has exactly one decision surface.
func (p *Pipeline) Process(ctx context.Context, streamID string, values map[string]interface{}) *Result {
	var ev *models.Event
	err := p.runStage(ctx, p.timeouts.Parse, errcode.StageParse, func(context.Context) error {
		var perr error
		ev, perr = p.parser.Parse(streamID, values)
		return perr
	})
	if err != nil {
		// No valid external_event_id means no job row; the raw fields go to
		// the DLQ as-is so producers can see what they sent.
		se := errcode.Classify(err, errcode.StageParse)
		slog.Warn("Envelope rejected", "stream_id", streamID, "error_code", se.Code, "error", err)
		return &Result{
			StreamID: streamID,
			Ack:      true,
			Code:     se.Code,
			Err:      err,
			DLQ:      p.dlqFromRaw(values, se.Code, err.Error()),
		}
	}

	log := slog.With("trace_id", ev.TraceID, "external_event_id", ev.ExternalEventID)
	if !ev.TraceGenerated {
		p.metrics.TraceIDPresentTotal.Inc()
	}
	for _, warning := range ev.Warnings {
		log.Warn("Envelope warning", "warning", warning)
	}

	job, created, err := p.jobs.CreateOrGet(ctx, ev, p.maxRetries)
	if err != nil {
		se := errcode.New(errcode.PersistenceFailure, errcode.StageDedupe, err)
		log.Error("Failed to create job row", "error", err)
		// No job row to track attempts against; leave the entry pending.
		p.metrics.RetriesTotal.WithLabelValues(string(se.Code)).Inc()
		return &Result{Event: ev, StreamID: streamID, Code: se.Code, Err: se}
	}

	if !created && job.Status.Terminal() {
		log.Info("Duplicate event skipped", "job_status", job.Status)
		p.metrics.DuplicatesTotal.Inc()
		return &Result{
			Event:     ev,
			StreamID:  streamID,
			Ack:       true,
			Duplicate: true,
			Code:      errcode.DuplicateEvent,
		}
	}

	started := p.now()
	conversationID, procErr := p.process(ctx, log, ev, job)
	if procErr != nil {
		return p.routeFailure(ctx, log, ev, job, streamID, procErr)
	}
	log.Info("Event ingested",
		"conversation_id", conversationID,
		"duration_ms", p.now().Sub(started).Milliseconds())
	return &Result{Event: ev, StreamID: streamID, Ack: true}
}

// process runs the download-to-persist sequence for an event with a live job
// row. Returns the conversation id on success.
func (p *Pipeline) process(ctx context.Context, log *slog.Logger, ev *models.Event, job *models.Job) (string, error) {
	started := p.now()

	p.setStatus(ctx, log, job.ID, models.JobStatusDownloading)

	var pkg *fetch.Package
	err := p.runStage(ctx, p.timeouts.Download, errcode.StageDownload, func(sctx context.Context) error {
		var ferr error
		pkg, ferr = p.fetcher.Fetch(sctx, ev)
		return ferr
	})
	if err != nil {
		return "", err
	}
	defer pkg.Cleanup()
	p.metrics.DownloadSizeBytes.Observe(float64(pkg.ArchiveSize))

	checksumStart := p.now()
	err = p.runStage(ctx, p.timeouts.Checksum, errcode.StageChecksum, func(sctx context.Context) error {
		return p.verifier.Verify(sctx, pkg.ArchivePath, pkg.RootDir, ev.Checksum)
	})
	p.metrics.ChecksumValidationDuration.Observe(p.now().Sub(checksumStart).Seconds())
	if err != nil {
		return "", err
	}

	p.setStatus(ctx, log, job.ID, models.JobStatusNormalizing)

	var validated *validate.Result
	validateStart := p.now()
	err = p.runStage(ctx, p.timeouts.Validate, errcode.StageValidate, func(context.Context) error {
		var verr error
		validated, verr = p.validator.ValidateFile(filepath.Join(pkg.RootDir, "conversation.json"), ev)
		return verr
	})
	p.metrics.ValidationDuration.Observe(p.now().Sub(validateStart).Seconds())
	if err != nil {
		return "", err
	}
	doc := validated.Document
	for _, warning := range validated.Warnings {
		log.Warn("Payload warning", "warning", warning)
	}
	p.metrics.ConversationSegments.Observe(float64(len(doc.Segments)))
	p.metrics.ConversationParticipants.Observe(float64(len(doc.Participants)))

	p.setStatus(ctx, log, job.ID, models.JobStatusEmbedding)

	nlpStart := p.now()
	enriched, err := p.enricher.Enrich(ctx, doc, ev.TraceID)
	if err != nil {
		return "", err
	}
	p.metrics.NLPDuration.WithLabelValues(string(enriched.Source)).Observe(p.now().Sub(nlpStart).Seconds())
	if enriched.Partial {
		log.Warn("Enrichment partially degraded", "reason", enriched.PartialReason)
	}

	conv := storage.AssembleConversation(doc, enriched, ev.TraceID, p.collection)
	turns := storage.BuildTurns(doc, enriched)

	err = p.runStage(ctx, p.timeouts.VectorWrite, errcode.StageVectorWrite, func(sctx context.Context) error {
		uerr := p.vectors.UpsertConversation(sctx, vectorstore.ConversationVectors{
			ConversationID:  conv.ID,
			ExternalEventID: ev.ExternalEventID,
			TraceID:         ev.TraceID,
			Chunks:          enriched.Chunks,
			Embeddings:      enriched.Embeddings,
			PointIDs:        enriched.PointIDs,
		})
		if uerr != nil {
			return errcode.New(errcode.VectorIndexFailure, errcode.StageVectorWrite, uerr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	err = p.runStage(ctx, p.timeouts.Persist, errcode.StagePersist, func(sctx context.Context) error {
		serr := p.conversations.Save(sctx, conv, turns)
		if serr != nil {
			return errcode.New(errcode.PersistenceFailure, errcode.StagePersist, serr)
		}
		return nil
	})
	if err != nil {
		// Vectors are already durable; delete them so retries never leave
		// points without a matching conversation row.
		p.compensateVectors(log, conv.ID)
		return "", err
	}

	meta := buildMetadata(doc, enriched, validated.Warnings, ev, pkg)
	fileSize := pkg.ArchiveSize
	durationMS := p.now().Sub(started).Milliseconds()
	if err := p.jobs.MarkCompleted(ctx, job.ID, conv.ID, durationMS, &fileSize, meta); err != nil {
		// The conversation row is already committed; redelivery replaces it
		// (Save is keyed on external_event_id), but the points indexed under
		// this conversation id must go now.
		p.compensateVectors(log, conv.ID)
		return "", errcode.New(errcode.PersistenceFailure, errcode.StagePersist, err)
	}
	p.metrics.NLPSourceTotal.WithLabelValues(string(enriched.Source)).Inc()

	if key, aerr := p.fetcher.Archive(ctx, ev, job.ID); aerr != nil {
		log.Warn("Package archival failed", "error", aerr)
	} else if key != "" {
		log.Debug("Package archived", "archive_key", key)
	}

	return conv.ID, nil
}

// routeFailure is the single retry-versus-dead-letter decision point.
func (p *Pipeline) routeFailure(ctx context.Context, log *slog.Logger, ev *models.Event, job *models.Job, streamID string, err error) *Result {
	se := errcode.Classify(err, errcode.StageParse)
	result := &Result{Event: ev, StreamID: streamID, Code: se.Code, Err: err}

	if se.Code == errcode.Cancelled {
		// Shutdown mid-flight: leave the entry pending and the job row
		// non-terminal so the next delivery starts clean.
		log.Info("Processing cancelled, releasing event", "stage", se.Stage)
		return result
	}

	if !se.Code.Retryable() {
		log.Warn("Event failed terminally",
			"error_code", se.Code, "stage", se.Stage, "error", err)
		if merr := p.jobs.MarkFailed(ctx, job.ID, se.Code, err.Error()); merr != nil {
			log.Error("Failed to record terminal failure", "error", merr)
		}
		p.metrics.FailuresTotal.WithLabelValues(string(se.Code)).Inc()
		result.Ack = true
		result.DLQ = p.dlqForEvent(ev, se.Code, err.Error(), job.RetryCount+1)
		return result
	}

	retryCount, merr := p.jobs.MarkRetry(ctx, job.ID, se.Code, err.Error())
	if merr != nil {
		log.Error("Failed to record retry", "error", merr)
		retryCount = job.RetryCount + 1
	}

	// The budget is the initial attempt plus max_retries retries: the counter
	// may reach the cap and the event still gets one more delivery.
	if retryCount > job.MaxRetries {
		log.Warn("Retries exhausted, dead-lettering",
			"error_code", se.Code, "retry_count", retryCount, "max_retries", job.MaxRetries)
		if ferr := p.jobs.MarkFailed(ctx, job.ID, errcode.RetryExhausted,
			fmt.Sprintf("retries exhausted after %d attempts: %v", retryCount, err)); ferr != nil {
			log.Error("Failed to record retry exhaustion", "error", ferr)
		}
		p.metrics.FailuresTotal.WithLabelValues(string(errcode.RetryExhausted)).Inc()
		result.Code = errcode.RetryExhausted
		result.Ack = true
		result.DLQ = p.dlqForEvent(ev, errcode.RetryExhausted, err.Error(), retryCount)
		return result
	}

	log.Warn("Event failed, leaving for re-delivery",
		"error_code", se.Code, "stage", se.Stage, "retry_count", retryCount, "error", err)
	p.metrics.RetriesTotal.WithLabelValues(string(se.Code)).Inc()
	return result
}

func (p *Pipeline) runStage(ctx context.Context, timeout time.Duration, stage errcode.Stage, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(sctx)
	if err == nil {
		return nil
	}
	if sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return errcode.New(errcode.IngestionTimeout, stage, err)
	}
	return errcode.Classify(err, stage)
}

// setStatus advances the progress status. Advisory: a failed update is logged
// and processing continues.
func (p *Pipeline) setStatus(ctx context.Context, log *slog.Logger, jobID string, status models.JobStatus) {
	if err := p.jobs.SetStatus(ctx, jobID, status); err != nil {
		log.Warn("Failed to update job status", "status", status, "error", err)
	}
}

func (p *Pipeline) compensateVectors(log *slog.Logger, conversationID string) {
	// Fresh context: the stage context may already be dead, and orphan
	// points must not survive a cancelled delete.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeouts.VectorWrite)
	defer cancel()
	if err := p.vectors.DeleteConversation(ctx, conversationID); err != nil {
		log.Error("Compensating vector delete failed, orphan points remain",
			"conversation_id", conversationID, "error", err)
	}
}

// dlqForEvent rebuilds the producer's envelope fields so the DLQ record
// preserves the original entry verbatim, nested fields re-encoded as the
// producer sent them.
func (p *Pipeline) dlqForEvent(ev *models.Event, code errcode.Code, message string, attempts int) *DLQRecord {
	original := map[string]string{
		"external_event_id": ev.ExternalEventID,
		"package_uri":       ev.PackageURI,
		"checksum":          ev.Checksum,
		"schema_version":    ev.SchemaVersion,
		"retry_count":       strconv.Itoa(ev.RetryCount),
		"priority":          string(ev.Priority),
		"produced_at":       ev.ProducedAt.UTC().Format(time.RFC3339),
	}
	if ev.Producer.Service != "" {
		if producer, err := json.Marshal(ev.Producer); err == nil {
			original["producer"] = string(producer)
		}
	}
	if len(ev.Metadata) > 0 {
		if metadata, err := json.Marshal(ev.Metadata); err == nil {
			original["metadata"] = string(metadata)
		}
	}
	return &DLQRecord{
		Original:        original,
		ErrorCode:       code,
		ErrorMessage:    message,
		RemediationHint: code.RemediationHint(),
		FailedAt:        p.now(),
		AttemptCount:    attempts,
		TraceID:         ev.TraceID,
	}
}

func (p *Pipeline) dlqFromRaw(values map[string]interface{}, code errcode.Code, message string) *DLQRecord {
	original := make(map[string]string, len(values))
	for k, v := range values {
		original[k] = fmt.Sprint(v)
	}
	return &DLQRecord{
		Original:        original,
		ErrorCode:       code,
		ErrorMessage:    message,
		RemediationHint: code.RemediationHint(),
		FailedAt:        p.now(),
		AttemptCount:    1,
		TraceID:         original["trace_id"],
	}
}

func buildMetadata(doc *models.ConversationDocument, enriched *models.EnrichmentResult, warnings []string, ev *models.Event, pkg *fetch.Package) models.ProcessingMetadata {
	persons := make([]string, 0, len(enriched.TopPersons))
	for _, person := range enriched.TopPersons {
		persons = append(persons, person.Name)
	}
	return models.ProcessingMetadata{
		SegmentCount:     len(doc.Segments),
		ParticipantCount: len(doc.Participants),
		ChunkCount:       len(enriched.Chunks),
		ChunkingStrategy: string(enriched.Strategy),
		NLPSource:        string(enriched.Source),
		NLPPartial:       enriched.Partial,
		NLPError:         enriched.PartialReason,
		TopPersons:       persons,
		Warnings:         append(append([]string(nil), ev.Warnings...), warnings...),
		DownloadBytes:    pkg.ArchiveSize,
		UncompressedSize: pkg.TotalSize,
	}
}
