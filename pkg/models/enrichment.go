package models

import "time"

// NLPSource records where segment annotations came from.
type NLPSource string

// Annotation provenance values.
const (
	NLPSourceUpstream NLPSource = "upstream"
	NLPSourceLocal    NLPSource = "local"
	NLPSourceNone     NLPSource = "none"
)

// SentimentLabel is the five-point sentiment scale. mixed only appears on
// upstream annotations; local classification never produces it.
type SentimentLabel string

// Sentiment labels.
const (
	SentimentVeryNegative SentimentLabel = "very_negative"
	SentimentNegative     SentimentLabel = "negative"
	SentimentNeutral      SentimentLabel = "neutral"
	SentimentPositive     SentimentLabel = "positive"
	SentimentVeryPositive SentimentLabel = "very_positive"
	SentimentMixed        SentimentLabel = "mixed"
)

// EntityType classifies a named-entity mention.
type EntityType string

// Entity types recognized by both upstream annotations and local extraction.
const (
	EntityPerson       EntityType = "PERSON"
	EntityLocation     EntityType = "LOCATION"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityDate         EntityType = "DATE"
	EntityTime         EntityType = "TIME"
	EntityMoney        EntityType = "MONEY"
	EntityMisc         EntityType = "MISC"
)

// ChunkingStrategy names the segmentation algorithm chosen for a conversation.
type ChunkingStrategy string

// Chunking strategies.
const (
	ChunkTurnBased      ChunkingStrategy = "turn_based"
	ChunkSpeakerGrouped ChunkingStrategy = "speaker_grouped"
	ChunkSlidingWindow  ChunkingStrategy = "sliding_window"
	ChunkSemantic       ChunkingStrategy = "semantic"
)

// Chunk is a unit of text assembled from contiguous segments for embedding.
// Turn indexes are positions in the segment slice; segment IDs bound the
// turn_range recorded on the vector payload.
type Chunk struct {
	Index          int
	Text           string
	TokenCount     int
	SpeakerIDs     []string
	FirstSegmentID string
	LastSegmentID  string
	FirstTurnIndex int
	LastTurnIndex  int
}

// SegmentSentiment is a per-segment sentiment verdict, either consumed from
// upstream annotations or computed locally.
type SegmentSentiment struct {
	Label SentimentLabel `json:"label"`
	Score float64        `json:"score"`
}

// Entity is a resolved named-entity mention with the segment it came from.
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Confidence float64    `json:"confidence"`
}

// PersonMention aggregates the appearances of one person across a
// conversation.
type PersonMention struct {
	Name             string  `json:"name"`
	MentionCount     int     `json:"mention_count"`
	AvgConfidence    float64 `json:"avg_confidence"`
	FirstMentionTurn int     `json:"first_mention_turn"`
	LastMentionTurn  int     `json:"last_mention_turn"`
}

// EnrichmentResult joins everything the enrichment engine produced for one
// conversation before persistence.
type EnrichmentResult struct {
	Source        NLPSource
	Partial       bool
	PartialReason string

	Strategy   ChunkingStrategy
	Chunks     []Chunk
	Embeddings [][]float32
	PointIDs   []string

	SegmentSentiments []*SegmentSentiment // indexed by segment position, nil when absent
	SegmentEntities   [][]Entity          // indexed by segment position

	SentimentHistogram map[SentimentLabel]int
	EntityTypeCounts   map[EntityType]int
	TopPersons         []PersonMention
}

// Conversation is the persisted conversation row.
type Conversation struct {
	ID               string
	ExternalEventID  string
	TraceID          string
	Title            string
	Date             time.Time
	DurationMinutes  int
	Language         string
	ConversationType string
	Transcript       string
	Summary          string
	Participants     []string
	MainTopics       []string

	NLPSource        NLPSource
	NLPPartial       bool
	SentimentSummary map[SentimentLabel]int
	EntitySummary    map[EntityType]int
	ChunkCount       int
	QdrantCollection string
	ConfidenceScore  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationTurn is the persisted row for one segment.
type ConversationTurn struct {
	ID             string
	ConversationID string
	TurnIndex      int
	SegmentID      string
	Speaker        string
	Text           string
	StartMS        int64
	EndMS          int64
	Language       string
	Confidence     float64

	Sentiment      *SentimentLabel
	SentimentScore *float64
	Entities       []Entity
	VectorPointID  *string

	CreatedAt time.Time
}
