package nlp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/models"
)

func sidecarForTest(t *testing.T, handler http.HandlerFunc) *SidecarClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSidecarClient(config.NLPConfig{ServiceURL: server.URL})
}

func TestExtractBatch(t *testing.T) {
	client := sidecarForTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ner/batch", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 2)

		json.NewEncoder(w).Encode(nerResponse{Results: [][]sidecarEntity{
			{
				{Text: "Alice", Type: "PER", Confidence: 0.92},
				{Text: "ACME", Type: "ORG", Confidence: 0.88},
			},
			{
				{Text: "next Tuesday", Type: "SOMETHING_NEW", Confidence: 0.6},
			},
		}})
	})

	result, err := client.ExtractBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, []models.Entity{
		{Text: "Alice", Type: models.EntityPerson, Confidence: 0.92},
		{Text: "ACME", Type: models.EntityOrganization, Confidence: 0.88},
	}, result[0])

	// Unknown model tags degrade to MISC instead of being dropped.
	require.Len(t, result[1], 1)
	assert.Equal(t, models.EntityMisc, result[1][0].Type)
}

func TestExtractBatchCountMismatch(t *testing.T) {
	client := sidecarForTest(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(nerResponse{Results: [][]sidecarEntity{{}}})
	})

	_, err := client.ExtractBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 results for 2 texts")
}

func TestAnalyzeBatch(t *testing.T) {
	client := sidecarForTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sentiment/batch", r.URL.Path)
		json.NewEncoder(w).Encode(sentimentResponse{Results: []sidecarSentiment{
			{Stars: 5, Score: 0.97},
			{Stars: 1, Score: 0.88},
			{Stars: 3, Score: 0.55},
		}})
	})

	result, err := client.AnalyzeBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, result, 3)
	assert.Equal(t, models.SentimentVeryPositive, result[0].Label)
	assert.InDelta(t, 0.97, result[0].Score, 1e-9)
	assert.Equal(t, models.SentimentVeryNegative, result[1].Label)
	assert.Equal(t, models.SentimentNeutral, result[2].Label)
}

func TestSidecarErrorStatus(t *testing.T) {
	client := sidecarForTest(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := client.AnalyzeBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestStarsToLabel(t *testing.T) {
	tests := []struct {
		stars    int
		expected models.SentimentLabel
	}{
		{1, models.SentimentVeryNegative},
		{2, models.SentimentNegative},
		{3, models.SentimentNeutral},
		{4, models.SentimentPositive},
		{5, models.SentimentVeryPositive},
		{0, models.SentimentNeutral},
		{9, models.SentimentNeutral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, StarsToLabel(tt.stars), "stars=%d", tt.stars)
	}
}
