// Package parser validates raw stream entries against the producer contract
// and turns them into typed events. No I/O happens here.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallio/audio-ingest/pkg/errcode"
	"github.com/recallio/audio-ingest/pkg/models"
)

var (
	eventIDPattern  = regexp.MustCompile(`^rec-(\d{8}T\d{6}Z)-[a-f0-9]{8}$`)
	checksumPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
	versionPattern  = regexp.MustCompile(`^(\d+)\.(\d+)$`)
)

// eventIDTimeLayout matches the timestamp embedded in external_event_id.
const eventIDTimeLayout = "20060102T150405Z"

// maxRetryCount bounds the producer-declared delivery attempts.
const maxRetryCount = 10

// Parser validates envelopes. The known-majors set decides which
// schema_version values this build accepts.
type Parser struct {
	knownMajors map[int]bool

	// now is swapped in tests to pin the future-skew check.
	now func() time.Time
}

// New creates a Parser accepting the given schema majors.
func New(knownMajors map[int]bool) *Parser {
	return &Parser{knownMajors: knownMajors, now: time.Now}
}

// Parse validates the flat field map of one stream entry and returns a typed
// event. Producer and metadata fields arrive as JSON-encoded sub-maps; all
// other values are scalars. Failures carry validation_error, except an
// unknown schema major which carries its own code.
func (p *Parser) Parse(streamID string, values map[string]interface{}) (*models.Event, error) {
	eventID, err := requiredString(values, "external_event_id")
	if err != nil {
		return nil, err
	}
	if !eventIDPattern.MatchString(eventID) {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"external_event_id %q does not match the producer contract", eventID)
	}

	packageURI, err := requiredString(values, "package_uri")
	if err != nil {
		return nil, err
	}
	bucket, objectKey, err := splitPackageURI(packageURI)
	if err != nil {
		return nil, err
	}

	checksum, err := requiredString(values, "checksum")
	if err != nil {
		return nil, err
	}
	if !checksumPattern.MatchString(checksum) {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"checksum must be sha256: followed by 64 lowercase hex characters")
	}

	schemaVersion, err := requiredString(values, "schema_version")
	if err != nil {
		return nil, err
	}
	major, minor, err := p.parseSchemaVersion(schemaVersion)
	if err != nil {
		return nil, err
	}

	retryCount, err := parseRetryCount(values)
	if err != nil {
		return nil, err
	}

	producedAtRaw, err := requiredString(values, "produced_at")
	if err != nil {
		return nil, err
	}
	producedAt, err := time.Parse(time.RFC3339, producedAtRaw)
	if err != nil {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"produced_at %q is not a valid RFC 3339 timestamp", producedAtRaw)
	}

	producer, err := parseProducer(values)
	if err != nil {
		return nil, err
	}

	priority, err := parsePriority(values)
	if err != nil {
		return nil, err
	}

	metadata, err := parseMetadata(values)
	if err != nil {
		return nil, err
	}

	ev := &models.Event{
		ExternalEventID: eventID,
		PackageURI:      packageURI,
		Bucket:          bucket,
		ObjectKey:       objectKey,
		Checksum:        checksum,
		SchemaVersion:   schemaVersion,
		SchemaMajor:     major,
		SchemaMinor:     minor,
		RetryCount:      retryCount,
		ProducedAt:      producedAt.UTC(),
		Producer:        producer,
		Priority:        priority,
		Metadata:        metadata,
		StreamID:        streamID,
		ReceivedAt:      p.now().UTC(),
	}

	p.resolveTrace(ev)
	p.checkTimeSkew(ev)

	return ev, nil
}

// resolveTrace pulls trace_id out of metadata. A missing or malformed value
// is a warning, not a rejection: the event gets a freshly minted identifier
// so downstream correlation still works.
func (p *Parser) resolveTrace(ev *models.Event) {
	raw := ev.Metadata["trace_id"]
	if raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil && parsed.Version() == 4 {
			ev.TraceID = parsed.String()
			return
		}
		ev.Warnings = append(ev.Warnings,
			fmt.Sprintf("metadata.trace_id %q is not a UUID v4; generated a replacement", raw))
	} else {
		ev.Warnings = append(ev.Warnings, "metadata.trace_id missing; generated one")
	}

	ev.TraceID = uuid.NewString()
	ev.TraceGenerated = true
}

// checkTimeSkew warns when the timestamp embedded in external_event_id is
// more than 24 hours in the future. Skewed producers are accepted.
func (p *Parser) checkTimeSkew(ev *models.Event) {
	match := eventIDPattern.FindStringSubmatch(ev.ExternalEventID)
	if len(match) < 2 {
		return
	}
	stamp, err := time.Parse(eventIDTimeLayout, match[1])
	if err != nil {
		return
	}
	if stamp.After(p.now().UTC().Add(24 * time.Hour)) {
		ev.Warnings = append(ev.Warnings,
			fmt.Sprintf("external_event_id timestamp %s is more than 24h in the future", match[1]))
	}
}

func (p *Parser) parseSchemaVersion(raw string) (major, minor int, err error) {
	match := versionPattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, 0, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"schema_version %q is not major.minor", raw)
	}
	major, _ = strconv.Atoi(match[1])
	minor, _ = strconv.Atoi(match[2])
	if !p.knownMajors[major] {
		return 0, 0, errcode.Newf(errcode.UnknownSchemaMajor, errcode.StageParse,
			"schema_version %q has unsupported major %d", raw, major)
	}
	return major, minor, nil
}

// splitPackageURI splits <scheme>://<bucket>/<object-key>. The scheme is not
// interpreted; bucket and key must both be present.
func splitPackageURI(raw string) (bucket, objectKey string, err error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found || scheme == "" {
		return "", "", errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"package_uri %q lacks a scheme", raw)
	}
	bucket, objectKey, found = strings.Cut(rest, "/")
	if !found || bucket == "" || objectKey == "" {
		return "", "", errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"package_uri %q must name a bucket and an object key", raw)
	}
	return bucket, objectKey, nil
}

func parseRetryCount(values map[string]interface{}) (int, error) {
	raw, err := requiredString(values, "retry_count")
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"retry_count %q is not an integer", raw)
	}
	if count < 0 || count > maxRetryCount {
		return 0, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"retry_count %d outside 0..%d", count, maxRetryCount)
	}
	return count, nil
}

func parseProducer(values map[string]interface{}) (models.Producer, error) {
	raw := optionalString(values, "producer")
	if raw == "" {
		return models.Producer{}, nil
	}
	var producer models.Producer
	if err := json.Unmarshal([]byte(raw), &producer); err != nil {
		return models.Producer{}, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"producer is not a valid JSON object: %v", err)
	}
	if producer.Service == "" {
		return models.Producer{}, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"producer.service must not be empty")
	}
	return producer, nil
}

func parsePriority(values map[string]interface{}) (models.Priority, error) {
	raw := optionalString(values, "priority")
	if raw == "" {
		return models.PriorityNormal, nil
	}
	switch models.Priority(raw) {
	case models.PriorityNormal, models.PriorityHigh:
		return models.Priority(raw), nil
	default:
		return "", errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"priority %q must be normal or high", raw)
	}
}

func parseMetadata(values map[string]interface{}) (map[string]string, error) {
	raw := optionalString(values, "metadata")
	if raw == "" {
		return map[string]string{}, nil
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"metadata is not a valid JSON object: %v", err)
	}
	metadata := make(map[string]string, len(decoded))
	for key, value := range decoded {
		var str string
		if err := json.Unmarshal(value, &str); err == nil {
			metadata[key] = str
			continue
		}
		metadata[key] = string(value)
	}
	return metadata, nil
}

func requiredString(values map[string]interface{}, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"required field %s missing", key)
	}
	str, ok := raw.(string)
	if !ok || str == "" {
		return "", errcode.Newf(errcode.ValidationError, errcode.StageParse,
			"required field %s empty or not a string", key)
	}
	return str, nil
}

func optionalString(values map[string]interface{}, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	str, _ := raw.(string)
	return str
}
