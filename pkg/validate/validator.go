// Package validate checks conversation.json documents against the canonical
// payload contract for their declared schema version.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

var (
	eventIDPattern = regexp.MustCompile(`^rec-\d{8}T\d{6}Z-[a-f0-9]{8}$`)
	versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

// canonicalKeys are the top-level fields of the payload contract. Anything
// else is preserved and warned about.
var canonicalKeys = map[string]bool{
	"schema_version":    true,
	"external_event_id": true,
	"source_system":     true,
	"created_at":        true,
	"meeting_metadata":  true,
	"participants":      true,
	"segments":          true,
	"analytics":         true,
	"attachments":       true,
	"quality_flags":     true,
}

// Result is a validated document plus the non-fatal findings collected on
// the way.
type Result struct {
	Document *models.ConversationDocument
	Warnings []string
}

// Validator checks payloads. The known-majors set mirrors the envelope
// parser: a document declaring an unknown major is rejected even when the
// envelope sneaked past with a different version.
type Validator struct {
	knownMajors map[int]bool
}

// New creates a Validator accepting the given schema majors.
func New(knownMajors map[int]bool) *Validator {
	return &Validator{knownMajors: knownMajors}
}

// ValidateFile reads and validates the conversation.json at path.
func (v *Validator) ValidateFile(path string, ev *models.Event) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"required file conversation.json not found in package")
		}
		return nil, errcode.New(errcode.ProcessingFailure, errcode.StageValidate,
			fmt.Errorf("reading conversation.json: %w", err))
	}
	return v.Validate(data, ev)
}

// Validate parses and checks a conversation document against the contract
// and against the event it arrived under.
func (v *Validator) Validate(data []byte, ev *models.Event) (*Result, error) {
	if bytes.HasPrefix(data, utf8BOM) {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"conversation.json must not carry a UTF-8 BOM")
	}
	if !utf8.Valid(data) {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"conversation.json is not valid UTF-8")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"conversation.json is not a JSON object: %v", err)
	}

	var doc models.ConversationDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"conversation.json does not match the payload contract: %v", err)
	}

	result := &Result{Document: &doc}
	v.collectUnknownKeys(raw, result)

	if err := v.checkHeader(&doc, ev); err != nil {
		return nil, err
	}
	if err := checkMeetingMetadata(&doc.MeetingMetadata); err != nil {
		return nil, err
	}
	if err := checkParticipants(doc.Participants); err != nil {
		return nil, err
	}
	if err := checkSegments(&doc, result); err != nil {
		return nil, err
	}

	return result, nil
}

func (v *Validator) collectUnknownKeys(raw map[string]json.RawMessage, result *Result) {
	for key, value := range raw {
		if canonicalKeys[key] {
			continue
		}
		if result.Document.Unknown == nil {
			result.Document.Unknown = make(map[string]json.RawMessage)
		}
		result.Document.Unknown[key] = value
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unknown top-level key %q preserved", key))
	}
}

func (v *Validator) checkHeader(doc *models.ConversationDocument, ev *models.Event) error {
	match := versionPattern.FindStringSubmatch(doc.SchemaVersion)
	if match == nil {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"schema_version %q is not major.minor", doc.SchemaVersion)
	}
	major, _ := strconv.Atoi(match[1])
	if !v.knownMajors[major] {
		return errcode.Newf(errcode.UnknownSchemaMajor, errcode.StageValidate,
			"document schema_version %q has unsupported major %d", doc.SchemaVersion, major)
	}

	if !eventIDPattern.MatchString(doc.ExternalEventID) {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"document external_event_id %q does not match the contract", doc.ExternalEventID)
	}
	if doc.ExternalEventID != ev.ExternalEventID {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"document external_event_id %q does not match the event %q",
			doc.ExternalEventID, ev.ExternalEventID)
	}
	if doc.SourceSystem == "" {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"source_system must not be empty")
	}
	if doc.CreatedAt.IsZero() {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"created_at missing or zero")
	}
	return nil
}

func checkMeetingMetadata(meta *models.MeetingMetadata) error {
	if meta.ScheduledStart.IsZero() {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"meeting_metadata.scheduled_start missing or zero")
	}
	if meta.DurationSec == nil && meta.EndAt == nil {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"meeting_metadata must carry duration_sec or end_at")
	}
	if meta.DurationSec != nil && *meta.DurationSec <= 0 {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"meeting_metadata.duration_sec must be positive, got %d", *meta.DurationSec)
	}
	return nil
}

func checkParticipants(participants []models.Participant) error {
	if len(participants) == 0 {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"participants must not be empty")
	}
	for i, p := range participants {
		if p.SpeakerID == "" {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"participants[%d].speaker_id must not be empty", i)
		}
		if p.DisplayName == "" {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"participants[%d].display_name must not be empty", i)
		}
	}
	return nil
}

func checkSegments(doc *models.ConversationDocument, result *Result) error {
	if len(doc.Segments) == 0 {
		return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
			"segments must not be empty")
	}

	speakers := make(map[string]bool, len(doc.Participants))
	for _, p := range doc.Participants {
		speakers[p.SpeakerID] = true
	}

	var prevEnd int64
	for i, seg := range doc.Segments {
		if seg.SegmentID == "" {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segments[%d].segment_id must not be empty", i)
		}
		if !speakers[seg.SpeakerID] {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segment %s references unknown speaker_id %q", seg.SegmentID, seg.SpeakerID)
		}
		if seg.StartMS < 0 || seg.EndMS < seg.StartMS {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segment %s has invalid bounds start_ms=%d end_ms=%d", seg.SegmentID, seg.StartMS, seg.EndMS)
		}
		if seg.Confidence < 0 || seg.Confidence > 1 {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segment %s confidence %g outside [0, 1]", seg.SegmentID, seg.Confidence)
		}
		if strings.TrimSpace(seg.Text) == "" {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segment %s text must not be empty", seg.SegmentID)
		}
		if _, err := language.Parse(seg.Language); err != nil {
			return errcode.Newf(errcode.ValidationError, errcode.StageValidate,
				"segment %s language %q is not a valid BCP 47 tag", seg.SegmentID, seg.Language)
		}

		if seg.StartMS < prevEnd {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("segment %s overlaps the previous segment (start_ms=%d, previous end_ms=%d)",
					seg.SegmentID, seg.StartMS, prevEnd))
		}
		prevEnd = seg.EndMS
	}

	return nil
}
