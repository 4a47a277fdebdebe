// Package nlp implements the enrichment engine: chunking, embedding,
// sentiment and entity annotation, and the conversation-level aggregates
// derived from them.
package nlp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/recallio/audio-ingest/pkg/models"
)

// Chunking thresholds. Token counts are whitespace-separated words of the
// rendered "Speaker: text" line, the same rough measure the producers use.
const (
	minChunkTokens = 50
	maxChunkTokens = 1000

	turnBasedMedianCap   = 300
	slidingWindowMedian  = 600
	slidingWindowTokens  = 512
	slidingWindowOverlap = 64

	// semanticDrop is the similarity drop against the running chunk mean
	// that opens a new chunk: a segment scoring below 1 - semanticDrop
	// starts a topic boundary.
	semanticDrop = 0.35
)

// SegmentEmbedder produces one vector per input text. The semantic strategy
// uses it to score topic boundaries; the other strategies never call it.
type SegmentEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunker splits a conversation into embedding-sized chunks. Safe for
// concurrent use.
type Chunker struct {
	embedder SegmentEmbedder
}

// NewChunker creates a Chunker. The embedder is only consulted for the
// semantic strategy.
func NewChunker(embedder SegmentEmbedder) *Chunker {
	return &Chunker{embedder: embedder}
}

// ChooseStrategy picks the chunking strategy for a conversation. Rules are
// evaluated in order: small dialogs chunk per turn, multi-party meetings
// group by speaker, long-winded segments get a sliding window, and
// everything else falls through to semantic boundaries.
func ChooseStrategy(doc *models.ConversationDocument) models.ChunkingStrategy {
	median := medianSegmentTokens(doc)
	participants := len(doc.Participants)

	switch {
	case participants <= 2 && median <= turnBasedMedianCap:
		return models.ChunkTurnBased
	case participants >= 3:
		return models.ChunkSpeakerGrouped
	case median > slidingWindowMedian:
		return models.ChunkSlidingWindow
	default:
		return models.ChunkSemantic
	}
}

// Chunk splits the document's segments using the given strategy. Chunks are
// returned in segment order with contiguous indexes starting at zero.
func (c *Chunker) Chunk(ctx context.Context, doc *models.ConversationDocument, strategy models.ChunkingStrategy) ([]models.Chunk, error) {
	if len(doc.Segments) == 0 {
		return nil, nil
	}

	lines := renderLines(doc)

	switch strategy {
	case models.ChunkTurnBased:
		return chunkTurnBased(doc, lines), nil
	case models.ChunkSpeakerGrouped:
		return chunkSpeakerGrouped(doc, lines), nil
	case models.ChunkSlidingWindow:
		return chunkSlidingWindow(doc, lines), nil
	case models.ChunkSemantic:
		return c.chunkSemantic(ctx, doc, lines)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}
}

// chunkTurnBased emits one chunk per segment, merging consecutive segments
// while the accumulated text stays below the minimum chunk size.
func chunkTurnBased(doc *models.ConversationDocument, lines []string) []models.Chunk {
	var chunks []models.Chunk
	b := newChunkBuilder(doc)

	for i := range doc.Segments {
		b.add(i, lines[i])
		if b.tokens >= minChunkTokens {
			chunks = append(chunks, b.flush(len(chunks)))
		}
	}
	if b.tokens > 0 {
		chunks = append(chunks, b.flush(len(chunks)))
	}
	return chunks
}

// chunkSpeakerGrouped groups contiguous runs of the same speaker, breaking
// when the speaker changes or the run would exceed the maximum chunk size.
func chunkSpeakerGrouped(doc *models.ConversationDocument, lines []string) []models.Chunk {
	var chunks []models.Chunk
	b := newChunkBuilder(doc)
	currentSpeaker := ""

	for i, seg := range doc.Segments {
		tokens := tokenCount(lines[i])
		speakerChanged := currentSpeaker != "" && seg.SpeakerID != currentSpeaker
		if b.tokens > 0 && (speakerChanged || b.tokens+tokens > maxChunkTokens) {
			chunks = append(chunks, b.flush(len(chunks)))
		}
		currentSpeaker = seg.SpeakerID
		b.add(i, lines[i])
	}
	if b.tokens > 0 {
		chunks = append(chunks, b.flush(len(chunks)))
	}
	return chunks
}

// chunkSlidingWindow accumulates segments until the window size is reached,
// then slides forward keeping a tail of segments as overlap.
func chunkSlidingWindow(doc *models.ConversationDocument, lines []string) []models.Chunk {
	var chunks []models.Chunk
	b := newChunkBuilder(doc)

	for i := range doc.Segments {
		b.add(i, lines[i])
		if b.tokens < slidingWindowTokens {
			continue
		}
		chunks = append(chunks, b.emit(len(chunks)))
		b.retainOverlap(slidingWindowOverlap)
	}
	// The final partial window only ships when it carries enough text on
	// its own; its segments are otherwise already covered by the overlap.
	if b.tokens >= minChunkTokens && b.newSinceEmit {
		chunks = append(chunks, b.flush(len(chunks)))
	}
	return chunks
}

// chunkSemantic accumulates segments greedily and opens a new chunk when a
// segment's similarity to the running mean of the current chunk drops below
// the boundary threshold.
func (c *Chunker) chunkSemantic(ctx context.Context, doc *models.ConversationDocument, lines []string) ([]models.Chunk, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("semantic chunking requires a segment embedder")
	}

	vectors, err := c.embedder.EmbedTexts(ctx, lines)
	if err != nil {
		return nil, fmt.Errorf("embedding segments for boundary detection: %w", err)
	}
	if len(vectors) != len(lines) {
		return nil, fmt.Errorf("segment embedder returned %d vectors for %d segments", len(vectors), len(lines))
	}

	var chunks []models.Chunk
	b := newChunkBuilder(doc)
	var mean []float32
	count := 0

	for i := range doc.Segments {
		if b.tokens >= minChunkTokens && cosine(vectors[i], mean) < 1-semanticDrop {
			chunks = append(chunks, b.flush(len(chunks)))
			mean = nil
			count = 0
		}
		if b.tokens > 0 && b.tokens+tokenCount(lines[i]) > maxChunkTokens {
			chunks = append(chunks, b.flush(len(chunks)))
			mean = nil
			count = 0
		}
		b.add(i, lines[i])
		mean = accumulateMean(mean, vectors[i], count)
		count++
	}
	if b.tokens > 0 {
		chunks = append(chunks, b.flush(len(chunks)))
	}
	return chunks, nil
}

// chunkBuilder accumulates segments into one pending chunk.
type chunkBuilder struct {
	doc     *models.ConversationDocument
	indexes []int
	lines   []string
	tokens  int

	// newSinceEmit tracks whether any segment was added after the last
	// emit, so the sliding window never re-ships a pure-overlap tail.
	newSinceEmit bool
}

func newChunkBuilder(doc *models.ConversationDocument) *chunkBuilder {
	return &chunkBuilder{doc: doc}
}

func (b *chunkBuilder) add(segmentIndex int, line string) {
	b.indexes = append(b.indexes, segmentIndex)
	b.lines = append(b.lines, line)
	b.tokens += tokenCount(line)
	b.newSinceEmit = true
}

// emit builds a chunk from the current state without resetting it.
func (b *chunkBuilder) emit(chunkIndex int) models.Chunk {
	first := b.indexes[0]
	last := b.indexes[len(b.indexes)-1]

	seen := make(map[string]bool)
	var speakers []string
	for _, idx := range b.indexes {
		id := b.doc.Segments[idx].SpeakerID
		if !seen[id] {
			seen[id] = true
			speakers = append(speakers, id)
		}
	}

	b.newSinceEmit = false
	return models.Chunk{
		Index:          chunkIndex,
		Text:           strings.Join(b.lines, "\n"),
		TokenCount:     b.tokens,
		SpeakerIDs:     speakers,
		FirstSegmentID: b.doc.Segments[first].SegmentID,
		LastSegmentID:  b.doc.Segments[last].SegmentID,
		FirstTurnIndex: first,
		LastTurnIndex:  last,
	}
}

// flush emits the pending chunk and resets the builder.
func (b *chunkBuilder) flush(chunkIndex int) models.Chunk {
	chunk := b.emit(chunkIndex)
	b.indexes = nil
	b.lines = nil
	b.tokens = 0
	b.newSinceEmit = false
	return chunk
}

// retainOverlap drops leading segments until at most overlapTokens remain.
func (b *chunkBuilder) retainOverlap(overlapTokens int) {
	keepFrom := len(b.lines)
	kept := 0
	for i := len(b.lines) - 1; i >= 0; i-- {
		tokens := tokenCount(b.lines[i])
		if kept+tokens > overlapTokens {
			break
		}
		kept += tokens
		keepFrom = i
	}
	b.indexes = append([]int(nil), b.indexes[keepFrom:]...)
	b.lines = append([]string(nil), b.lines[keepFrom:]...)
	b.tokens = kept
	b.newSinceEmit = false
}

// renderLines formats every segment as "Speaker: text", resolving speaker
// ids to display names.
func renderLines(doc *models.ConversationDocument) []string {
	lines := make([]string, len(doc.Segments))
	for i, seg := range doc.Segments {
		lines[i] = doc.SpeakerName(seg.SpeakerID) + ": " + seg.Text
	}
	return lines
}

func tokenCount(line string) int {
	return len(strings.Fields(line))
}

func medianSegmentTokens(doc *models.ConversationDocument) int {
	if len(doc.Segments) == 0 {
		return 0
	}
	counts := make([]int, len(doc.Segments))
	for i, seg := range doc.Segments {
		counts[i] = len(strings.Fields(seg.Text))
	}
	sort.Ints(counts)
	return counts[len(counts)/2]
}

// cosine computes the cosine similarity of two vectors; mismatched or empty
// inputs score zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// accumulateMean folds vec into the running mean of count prior vectors.
func accumulateMean(mean, vec []float32, count int) []float32 {
	if mean == nil {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	n := float32(count)
	for i := range mean {
		mean[i] = (mean[i]*n + vec[i]) / (n + 1)
	}
	return mean
}
