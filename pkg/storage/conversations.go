package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallio/audio-ingest/pkg/models"
)

// ConversationStore persists conversations and their turns.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// NewConversationStore creates a ConversationStore over the shared pool.
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

// Save writes the conversation and all its turns in one transaction. The
// conversation ID is assigned by the caller before the vector write, so a
// failed commit leaves orphan vectors the pipeline can delete by that ID.
// A row left behind by an attempt that persisted but never finalized its job
// is replaced: exactly one conversation exists per external_event_id.
func (s *ConversationStore) Save(ctx context.Context, conv *models.Conversation, turns []models.ConversationTurn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Cascade removes the stale row's turns.
	_, err = tx.Exec(ctx,
		`DELETE FROM conversations WHERE external_event_id = $1`,
		conv.ExternalEventID,
	)
	if err != nil {
		return fmt.Errorf("replacing stale conversation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (
			id, external_event_id, trace_id, title, date, duration_minutes,
			language, conversation_type, transcript, summary, participants,
			main_topics, nlp_source, nlp_partial, sentiment_summary,
			entity_summary, chunk_count, qdrant_collection, confidence_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		conv.ID, conv.ExternalEventID, conv.TraceID, nullIfEmpty(conv.Title),
		conv.Date, conv.DurationMinutes, conv.Language, conv.ConversationType,
		conv.Transcript, nullIfEmpty(conv.Summary), conv.Participants,
		conv.MainTopics, conv.NLPSource, conv.NLPPartial, conv.SentimentSummary,
		conv.EntitySummary, conv.ChunkCount, conv.QdrantCollection, conv.ConfidenceScore,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, turn := range turns {
		batch.Queue(`
			INSERT INTO conversation_turns (
				conversation_id, turn_index, segment_id, speaker, text,
				start_ms, end_ms, language, confidence, sentiment,
				sentiment_score, entities, vector_point_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			conv.ID, turn.TurnIndex, turn.SegmentID, turn.Speaker, turn.Text,
			turn.StartMS, turn.EndMS, turn.Language, turn.Confidence,
			turn.Sentiment, turn.SentimentScore, turn.Entities, turn.VectorPointID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting turns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}
	return nil
}

// GetByExternalEventID loads the conversation header row, without turns.
func (s *ConversationStore) GetByExternalEventID(ctx context.Context, externalEventID string) (*models.Conversation, error) {
	var conv models.Conversation
	var title, summary *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, external_event_id, trace_id, title, date, duration_minutes,
		       language, conversation_type, transcript, summary, participants,
		       main_topics, nlp_source, nlp_partial, sentiment_summary,
		       entity_summary, chunk_count, qdrant_collection, confidence_score,
		       created_at, updated_at
		FROM conversations WHERE external_event_id = $1`,
		externalEventID,
	).Scan(
		&conv.ID, &conv.ExternalEventID, &conv.TraceID, &title, &conv.Date,
		&conv.DurationMinutes, &conv.Language, &conv.ConversationType,
		&conv.Transcript, &summary, &conv.Participants, &conv.MainTopics,
		&conv.NLPSource, &conv.NLPPartial, &conv.SentimentSummary,
		&conv.EntitySummary, &conv.ChunkCount, &conv.QdrantCollection,
		&conv.ConfidenceScore, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if title != nil {
		conv.Title = *title
	}
	if summary != nil {
		conv.Summary = *summary
	}
	return &conv, nil
}

// AssembleConversation maps the validated document and enrichment output onto
// the persisted conversation row. The ID is minted here, ahead of both the
// vector write and the metadata commit.
func AssembleConversation(doc *models.ConversationDocument, result *models.EnrichmentResult, traceID, collection string) *models.Conversation {
	participants := make([]string, len(doc.Participants))
	for i, p := range doc.Participants {
		participants[i] = p.DisplayName
		if participants[i] == "" {
			participants[i] = p.SpeakerID
		}
	}

	topics := make([]string, 0, len(result.TopPersons))
	for _, p := range result.TopPersons {
		topics = append(topics, p.Name)
	}

	return &models.Conversation{
		ID:               uuid.NewString(),
		ExternalEventID:  doc.ExternalEventID,
		TraceID:          traceID,
		Title:            doc.MeetingMetadata.Title,
		Date:             doc.MeetingMetadata.ScheduledStart,
		DurationMinutes:  durationMinutes(doc),
		Language:         dominantLanguage(doc.Segments),
		ConversationType: conversationType(len(doc.Participants)),
		Transcript:       assembleTranscript(doc),
		Participants:     participants,
		MainTopics:       topics,
		NLPSource:        result.Source,
		NLPPartial:       result.Partial,
		SentimentSummary: result.SentimentHistogram,
		EntitySummary:    result.EntityTypeCounts,
		ChunkCount:       len(result.Chunks),
		QdrantCollection: collection,
		ConfidenceScore:  meanConfidence(doc.Segments),
	}
}

// BuildTurns maps segments onto turn rows, attaching per-segment annotations
// and the vector point covering each turn.
func BuildTurns(doc *models.ConversationDocument, result *models.EnrichmentResult) []models.ConversationTurn {
	pointByTurn := make(map[int]string, len(doc.Segments))
	for i, chunk := range result.Chunks {
		if i >= len(result.PointIDs) {
			break
		}
		for turn := chunk.FirstTurnIndex; turn <= chunk.LastTurnIndex; turn++ {
			if _, seen := pointByTurn[turn]; !seen {
				pointByTurn[turn] = result.PointIDs[i]
			}
		}
	}

	turns := make([]models.ConversationTurn, len(doc.Segments))
	for i, seg := range doc.Segments {
		turn := models.ConversationTurn{
			TurnIndex:  i,
			SegmentID:  seg.SegmentID,
			Speaker:    doc.SpeakerName(seg.SpeakerID),
			Text:       seg.Text,
			StartMS:    seg.StartMS,
			EndMS:      seg.EndMS,
			Language:   seg.Language,
			Confidence: seg.Confidence,
		}
		if i < len(result.SegmentSentiments) && result.SegmentSentiments[i] != nil {
			s := result.SegmentSentiments[i]
			turn.Sentiment = &s.Label
			turn.SentimentScore = &s.Score
		}
		if i < len(result.SegmentEntities) {
			turn.Entities = result.SegmentEntities[i]
		}
		if pointID, ok := pointByTurn[i]; ok {
			turn.VectorPointID = &pointID
		}
		turns[i] = turn
	}
	return turns
}

// conversationType infers the conversation shape from the participant count.
func conversationType(participants int) string {
	switch {
	case participants <= 1:
		return "monologue"
	case participants == 2:
		return "one_to_one"
	case participants <= 5:
		return "small_group"
	default:
		return "meeting"
	}
}

// assembleTranscript renders the full "Speaker: text" transcript.
func assembleTranscript(doc *models.ConversationDocument) string {
	lines := make([]string, len(doc.Segments))
	for i, seg := range doc.Segments {
		lines[i] = doc.SpeakerName(seg.SpeakerID) + ": " + seg.Text
	}
	return strings.Join(lines, "\n")
}

// durationMinutes resolves the conversation length: declared duration first,
// then the scheduled window, then the last segment's end time.
func durationMinutes(doc *models.ConversationDocument) int {
	meta := doc.MeetingMetadata
	if meta.DurationSec != nil {
		return int(time.Duration(*meta.DurationSec) * time.Second / time.Minute)
	}
	if meta.EndAt != nil && meta.EndAt.After(meta.ScheduledStart) {
		return int(meta.EndAt.Sub(meta.ScheduledStart) / time.Minute)
	}
	if n := len(doc.Segments); n > 0 {
		return int(time.Duration(doc.Segments[n-1].EndMS) * time.Millisecond / time.Minute)
	}
	return 0
}

// dominantLanguage picks the language tagged on the most segments.
func dominantLanguage(segments []models.Segment) string {
	counts := make(map[string]int)
	best := ""
	for _, seg := range segments {
		if seg.Language == "" {
			continue
		}
		counts[seg.Language]++
		if best == "" || counts[seg.Language] > counts[best] {
			best = seg.Language
		}
	}
	return best
}

func meanConfidence(segments []models.Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range segments {
		sum += seg.Confidence
	}
	return sum / float64(len(segments))
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
