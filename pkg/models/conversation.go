package models

import (
	"encoding/json"
	"time"
)

// ConversationDocument is the canonical payload extracted from a package's
// conversation.json. Field presence and bounds are enforced by the validator,
// not here.
type ConversationDocument struct {
	SchemaVersion   string           `json:"schema_version"`
	ExternalEventID string           `json:"external_event_id"`
	SourceSystem    string           `json:"source_system"`
	CreatedAt       time.Time        `json:"created_at"`
	MeetingMetadata MeetingMetadata  `json:"meeting_metadata"`
	Participants    []Participant    `json:"participants"`
	Segments        []Segment        `json:"segments"`
	Analytics       map[string]any   `json:"analytics,omitempty"`
	Attachments     []Attachment     `json:"attachments,omitempty"`
	QualityFlags    []string         `json:"quality_flags,omitempty"`

	// Unknown preserves top-level keys outside the canonical schema. They are
	// warned about during validation and forwarded untouched.
	Unknown map[string]json.RawMessage `json:"-"`
}

// MeetingMetadata describes when and where the conversation took place.
// Either DurationSec or EndAt must be present.
type MeetingMetadata struct {
	Title          string     `json:"title,omitempty"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	DurationSec    *int64     `json:"duration_sec,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Location       string     `json:"location,omitempty"`
	Organizer      string     `json:"organizer,omitempty"`
}

// Participant is one declared speaker.
type Participant struct {
	SpeakerID   string `json:"speaker_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// Segment is one speaker turn with time bounds in milliseconds from the start
// of the recording.
type Segment struct {
	SegmentID   string              `json:"segment_id"`
	SpeakerID   string              `json:"speaker_id"`
	StartMS     int64               `json:"start_ms"`
	EndMS       int64               `json:"end_ms"`
	Text        string              `json:"text"`
	Language    string              `json:"language"`
	Confidence  float64             `json:"confidence"`
	Annotations *SegmentAnnotations `json:"annotations,omitempty"`
}

// SegmentAnnotations carries upstream NLP output attached to a segment in
// schema v1.1 and later.
type SegmentAnnotations struct {
	Sentiment *SentimentAnnotation `json:"sentiment,omitempty"`
	Entities  []EntityAnnotation   `json:"entities,omitempty"`
}

// HasContent reports whether the annotations block carries anything usable.
func (a *SegmentAnnotations) HasContent() bool {
	if a == nil {
		return false
	}
	return a.Sentiment != nil || len(a.Entities) > 0
}

// SentimentAnnotation is an upstream per-segment sentiment verdict.
type SentimentAnnotation struct {
	Label SentimentLabel `json:"label"`
	Score float64        `json:"score"`
}

// EntityAnnotation is an upstream named-entity mention.
type EntityAnnotation struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Confidence float64    `json:"confidence"`
}

// Attachment references a companion asset shipped in the package.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// SpeakerName resolves a speaker_id to its display name, falling back to the
// raw identifier for undeclared speakers.
func (d *ConversationDocument) SpeakerName(speakerID string) string {
	for _, p := range d.Participants {
		if p.SpeakerID == speakerID && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return speakerID
}
