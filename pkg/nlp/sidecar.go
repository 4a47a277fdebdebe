package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/models"
)

// EntityExtractor produces named-entity mentions for a batch of texts, one
// result slice per input.
type EntityExtractor interface {
	ExtractBatch(ctx context.Context, texts []string) ([][]models.Entity, error)
}

// SentimentAnalyzer produces one sentiment verdict per input text.
type SentimentAnalyzer interface {
	AnalyzeBatch(ctx context.Context, texts []string) ([]models.SegmentSentiment, error)
}

// SidecarClient talks to the local NLP sidecar that hosts the NER and
// sentiment models. The sidecar exposes batch endpoints; requests carry the
// raw segment texts and responses come back index-aligned.
type SidecarClient struct {
	baseURL string
	http    *http.Client
}

// NewSidecarClient builds the client for the configured sidecar endpoint.
func NewSidecarClient(cfg config.NLPConfig) *SidecarClient {
	return &SidecarClient{
		baseURL: cfg.ServiceURL,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type batchRequest struct {
	Texts []string `json:"texts"`
}

type nerResponse struct {
	Results [][]sidecarEntity `json:"results"`
}

type sidecarEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type sentimentResponse struct {
	Results []sidecarSentiment `json:"results"`
}

type sidecarSentiment struct {
	Stars int     `json:"stars"`
	Score float64 `json:"score"`
}

// ExtractBatch runs NER over the texts. Mentions with types the taxonomy
// does not know are mapped to MISC rather than dropped.
func (c *SidecarClient) ExtractBatch(ctx context.Context, texts []string) ([][]models.Entity, error) {
	var resp nerResponse
	if err := c.post(ctx, "/v1/ner/batch", batchRequest{Texts: texts}, &resp); err != nil {
		return nil, fmt.Errorf("ner sidecar: %w", err)
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("ner sidecar returned %d results for %d texts", len(resp.Results), len(texts))
	}

	out := make([][]models.Entity, len(texts))
	for i, mentions := range resp.Results {
		entities := make([]models.Entity, 0, len(mentions))
		for _, m := range mentions {
			entities = append(entities, models.Entity{
				Text:       m.Text,
				Type:       mapEntityType(m.Type),
				Confidence: m.Confidence,
			})
		}
		out[i] = entities
	}
	return out, nil
}

// AnalyzeBatch runs sentiment classification over the texts. The sidecar
// model scores on a five-star scale; stars map onto the label taxonomy.
func (c *SidecarClient) AnalyzeBatch(ctx context.Context, texts []string) ([]models.SegmentSentiment, error) {
	var resp sentimentResponse
	if err := c.post(ctx, "/v1/sentiment/batch", batchRequest{Texts: texts}, &resp); err != nil {
		return nil, fmt.Errorf("sentiment sidecar: %w", err)
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("sentiment sidecar returned %d results for %d texts", len(resp.Results), len(texts))
	}

	out := make([]models.SegmentSentiment, len(texts))
	for i, r := range resp.Results {
		out[i] = models.SegmentSentiment{
			Label: StarsToLabel(r.Stars),
			Score: r.Score,
		}
	}
	return out, nil
}

func (c *SidecarClient) post(ctx context.Context, path string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// StarsToLabel maps the sidecar's 1..5 star scale onto sentiment labels.
// Out-of-range values collapse to neutral.
func StarsToLabel(stars int) models.SentimentLabel {
	switch stars {
	case 1:
		return models.SentimentVeryNegative
	case 2:
		return models.SentimentNegative
	case 3:
		return models.SentimentNeutral
	case 4:
		return models.SentimentPositive
	case 5:
		return models.SentimentVeryPositive
	default:
		return models.SentimentNeutral
	}
}

// mapEntityType normalizes sidecar model tags (camembert-style PER/LOC/ORG
// included) onto the taxonomy.
func mapEntityType(raw string) models.EntityType {
	switch raw {
	case "PERSON", "PER":
		return models.EntityPerson
	case "LOCATION", "LOC":
		return models.EntityLocation
	case "ORGANIZATION", "ORG":
		return models.EntityOrganization
	case "DATE":
		return models.EntityDate
	case "TIME":
		return models.EntityTime
	case "MONEY":
		return models.EntityMoney
	default:
		return models.EntityMisc
	}
}
