package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

// pointNamespace is the UUIDv5 namespace for vector point identifiers.
// Point IDs are derived from the chunk key so re-processing an event
// overwrites its own points instead of accumulating duplicates.
var pointNamespace = uuid.MustParse("b0c8f0d2-5e7a-4f3e-9f5d-2a7c8e1b4d60")

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// nerBatchConcurrency bounds how many annotation batches run at once
// against the sidecar.
const nerBatchConcurrency = 2

// Engine runs the enrichment pipeline for one validated conversation:
// chunking, embedding, and either upstream annotation consumption or local
// NER and sentiment. Safe for concurrent use across workers.
type Engine struct {
	chunker  *Chunker
	embedder Embedder

	// Both nil when local NLP is disabled; legacy documents then pass
	// through with nlp_source=none.
	entities  EntityExtractor
	sentiment SentimentAnalyzer

	annotationBatch int
	timeouts        config.StageTimeouts
}

// NewEngine creates an Engine. Pass nil extractor and analyzer to disable
// the local fallback.
func NewEngine(embedder Embedder, entities EntityExtractor, sentiment SentimentAnalyzer, nlpCfg config.NLPConfig, timeouts config.StageTimeouts) *Engine {
	return &Engine{
		chunker:         NewChunker(embedder),
		embedder:        embedder,
		entities:        entities,
		sentiment:       sentiment,
		annotationBatch: nlpCfg.BatchSize,
		timeouts:        timeouts,
	}
}

// DetectMode decides where segment annotations come from: upstream when the
// document is v1.1+ and at least one segment carries annotations, otherwise
// local when the fallback models are wired, otherwise none.
func (e *Engine) DetectMode(doc *models.ConversationDocument) models.NLPSource {
	if documentAtLeast(doc.SchemaVersion, 1, 1) && anyAnnotated(doc.Segments) {
		return models.NLPSourceUpstream
	}
	if e.entities != nil && e.sentiment != nil {
		return models.NLPSourceLocal
	}
	return models.NLPSourceNone
}

// Enrich produces chunks, embeddings, point identifiers, per-segment
// annotations, and the conversation aggregates. Chunking and embedding
// failures are returned as errors; annotation failures only mark the result
// partial.
func (e *Engine) Enrich(ctx context.Context, doc *models.ConversationDocument, traceID string) (*models.EnrichmentResult, error) {
	log := slog.With("trace_id", traceID, "external_event_id", doc.ExternalEventID)

	source := e.DetectMode(doc)
	result := &models.EnrichmentResult{Source: source}

	strategy := ChooseStrategy(doc)
	result.Strategy = strategy

	chunkCtx, cancelChunk := context.WithTimeout(ctx, e.timeouts.ChunkEmbed)
	defer cancelChunk()

	chunks, err := e.chunker.Chunk(chunkCtx, doc, strategy)
	if err != nil {
		return nil, stageError(chunkCtx, ctx, errcode.StageChunkEmbed, fmt.Errorf("chunking: %w", err))
	}
	result.Chunks = chunks
	log.Debug("Conversation chunked", "strategy", strategy, "chunks", len(chunks))

	// Embedding and annotation run concurrently; only the embedding error
	// can fail the job.
	var (
		wg       sync.WaitGroup
		embedErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Text
		}
		vectors, err := e.embedder.EmbedTexts(chunkCtx, texts)
		if err != nil {
			embedErr = stageError(chunkCtx, ctx, errcode.StageChunkEmbed, fmt.Errorf("embedding chunks: %w", err))
			return
		}
		result.Embeddings = vectors
		result.PointIDs = pointIDs(doc.ExternalEventID, len(chunks))
	}()

	switch source {
	case models.NLPSourceUpstream:
		consumeUpstream(doc, result)
	case models.NLPSourceLocal:
		e.annotateLocally(ctx, doc, result, log)
	case models.NLPSourceNone:
		log.Warn("No annotation source available, skipping NLP annotations")
	}

	wg.Wait()
	if embedErr != nil {
		return nil, embedErr
	}

	result.SentimentHistogram, result.EntityTypeCounts, result.TopPersons =
		BuildAggregates(result.SegmentSentiments, result.SegmentEntities)

	return result, nil
}

// consumeUpstream copies per-segment annotations from the document.
func consumeUpstream(doc *models.ConversationDocument, result *models.EnrichmentResult) {
	result.SegmentSentiments = make([]*models.SegmentSentiment, len(doc.Segments))
	result.SegmentEntities = make([][]models.Entity, len(doc.Segments))

	for i, seg := range doc.Segments {
		if seg.Annotations == nil {
			continue
		}
		if s := seg.Annotations.Sentiment; s != nil {
			result.SegmentSentiments[i] = &models.SegmentSentiment{Label: s.Label, Score: s.Score}
		}
		entities := make([]models.Entity, 0, len(seg.Annotations.Entities))
		for _, ent := range seg.Annotations.Entities {
			entities = append(entities, models.Entity{
				Text:       ent.Text,
				Type:       ent.Type,
				Confidence: ent.Confidence,
			})
		}
		result.SegmentEntities[i] = entities
	}
}

// annotateLocally runs NER and sentiment over the segments. The two model
// passes run concurrently; a failure in either marks the result partial but
// never propagates.
func (e *Engine) annotateLocally(ctx context.Context, doc *models.ConversationDocument, result *models.EnrichmentResult, log *slog.Logger) {
	texts := make([]string, len(doc.Segments))
	for i, seg := range doc.Segments {
		texts[i] = seg.Text
	}

	var (
		wg                    sync.WaitGroup
		nerErr, sentimentErr  error
		entities              [][]models.Entity
		sentiments            []models.SegmentSentiment
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		nerCtx, cancel := context.WithTimeout(ctx, e.timeouts.NER)
		defer cancel()
		entities, nerErr = e.extractAllEntities(nerCtx, texts)
	}()
	go func() {
		defer wg.Done()
		sentimentCtx, cancel := context.WithTimeout(ctx, e.timeouts.Sentiment)
		defer cancel()
		sentiments, sentimentErr = e.analyzeAllSentiment(sentimentCtx, texts)
	}()
	wg.Wait()

	if nerErr == nil {
		result.SegmentEntities = entities
	} else {
		log.Warn("Local NER failed, continuing without entities", "error", nerErr)
		result.Partial = true
		result.PartialReason = appendReason(result.PartialReason, fmt.Sprintf("ner: %v", nerErr))
	}

	if sentimentErr == nil {
		result.SegmentSentiments = make([]*models.SegmentSentiment, len(sentiments))
		for i := range sentiments {
			result.SegmentSentiments[i] = &sentiments[i]
		}
	} else {
		log.Warn("Local sentiment failed, continuing without sentiment", "error", sentimentErr)
		result.Partial = true
		result.PartialReason = appendReason(result.PartialReason, fmt.Sprintf("sentiment: %v", sentimentErr))
	}
}

// extractAllEntities fans the texts out in bounded concurrent batches.
// Batch results land back at their segment offsets, so batch completion
// order does not matter.
func (e *Engine) extractAllEntities(ctx context.Context, texts []string) ([][]models.Entity, error) {
	out := make([][]models.Entity, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nerBatchConcurrency)

	for start := 0; start < len(texts); start += e.annotationBatch {
		end := start + e.annotationBatch
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			batch, err := e.entities.ExtractBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) analyzeAllSentiment(ctx context.Context, texts []string) ([]models.SegmentSentiment, error) {
	out := make([]models.SegmentSentiment, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nerBatchConcurrency)

	for start := 0; start < len(texts); start += e.annotationBatch {
		end := start + e.annotationBatch
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			batch, err := e.sentiment.AnalyzeBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// pointIDs derives the deterministic vector point identifiers for an
// event's chunks.
func pointIDs(externalEventID string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		key := fmt.Sprintf("%s_chunk_%d", externalEventID, i)
		ids[i] = uuid.NewSHA1(pointNamespace, []byte(key)).String()
	}
	return ids
}

// stageError distinguishes a stage deadline from a parent cancellation
// before classifying.
func stageError(stageCtx, parentCtx context.Context, stage errcode.Stage, err error) error {
	if stageCtx.Err() == context.DeadlineExceeded && parentCtx.Err() == nil {
		return errcode.New(errcode.IngestionTimeout, stage, err)
	}
	return errcode.Classify(err, stage)
}

func documentAtLeast(version string, major, minor int) bool {
	match := versionPattern.FindStringSubmatch(version)
	if match == nil {
		return false
	}
	docMajor, _ := strconv.Atoi(match[1])
	docMinor, _ := strconv.Atoi(match[2])
	if docMajor != major {
		return docMajor > major
	}
	return docMinor >= minor
}

func anyAnnotated(segments []models.Segment) bool {
	for _, seg := range segments {
		if seg.Annotations.HasContent() {
			return true
		}
	}
	return false
}

func appendReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	return strings.Join([]string{existing, reason}, "; ")
}
