package vectorstore

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/audio-ingest/pkg/models"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{
			name: "plain with port",
			url:  "http://localhost:6334",
			host: "localhost",
			port: 6334,
		},
		{
			name:   "https selects tls",
			url:    "https://qdrant.internal:7000",
			host:   "qdrant.internal",
			port:   7000,
			useTLS: true,
		},
		{
			name: "missing port uses grpc default",
			url:  "http://qdrant",
			host: "qdrant",
			port: defaultGRPCPort,
		},
		{
			name:    "no host",
			url:     "http://",
			wantErr: true,
		},
		{
			name:    "garbage port",
			url:     "http://qdrant:notaport",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseEndpoint(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.useTLS, useTLS)
		})
	}
}

func TestBuildPoints(t *testing.T) {
	cv := ConversationVectors{
		ConversationID:  "conv-1",
		ExternalEventID: "evt-1",
		TraceID:         "trace-1",
		Chunks: []models.Chunk{
			{
				Index:          0,
				Text:           "A: hello\nB: hi",
				TokenCount:     4,
				SpeakerIDs:     []string{"s1", "s2"},
				FirstSegmentID: "seg-000",
				LastSegmentID:  "seg-001",
			},
			{
				Index:          1,
				Text:           "A: bye",
				TokenCount:     2,
				SpeakerIDs:     []string{"s1"},
				FirstSegmentID: "seg-002",
				LastSegmentID:  "seg-002",
			},
		},
		Embeddings: [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		PointIDs: []string{
			"6f1c9e2a-0000-5000-8000-000000000001",
			"6f1c9e2a-0000-5000-8000-000000000002",
		},
	}

	points := buildPoints(cv)
	require.Len(t, points, 2)

	first := points[0]
	assert.Equal(t, qdrant.NewID(cv.PointIDs[0]), first.Id)

	payload := first.Payload
	assert.Equal(t, "conv-1", payload["conversation_id"].GetStringValue())
	assert.Equal(t, "evt-1", payload["external_event_id"].GetStringValue())
	assert.Equal(t, "trace-1", payload["trace_id"].GetStringValue())
	assert.Equal(t, int64(0), payload["chunk_index"].GetIntegerValue())
	assert.Equal(t, "A: hello\nB: hi", payload["text"].GetStringValue())
	assert.Equal(t, int64(4), payload["token_count"].GetIntegerValue())
	assert.Equal(t, "seg-000", payload["turn_start"].GetStringValue())
	assert.Equal(t, "seg-001", payload["turn_end"].GetStringValue())

	speakers := payload["speakers"].GetListValue().GetValues()
	require.Len(t, speakers, 2)
	assert.Equal(t, "s1", speakers[0].GetStringValue())
	assert.Equal(t, "s2", speakers[1].GetStringValue())

	assert.Equal(t, int64(1), points[1].Payload["chunk_index"].GetIntegerValue())
}

func TestIndexedFieldsPresentInPayload(t *testing.T) {
	// Every field EnsureCollection indexes must exist on every point, or the
	// index filters silently miss chunks.
	cv := ConversationVectors{
		ConversationID:  "conv-1",
		ExternalEventID: "evt-1",
		TraceID:         "trace-1",
		Chunks: []models.Chunk{
			{Index: 0, Text: "A: hello", SpeakerIDs: []string{"s1"}},
		},
		Embeddings: [][]float32{{0.1, 0.2}},
		PointIDs:   []string{"6f1c9e2a-0000-5000-8000-000000000001"},
	}

	points := buildPoints(cv)
	require.Len(t, points, 1)
	for _, field := range keywordIndexes {
		assert.Contains(t, points[0].Payload, field, "indexed field %q missing from payload", field)
	}
}

func TestUpsertRejectsMisalignedInput(t *testing.T) {
	s := &Store{collection: "conversations"}
	err := s.UpsertConversation(t.Context(), ConversationVectors{
		Chunks:     make([]models.Chunk, 2),
		Embeddings: make([][]float32, 1),
		PointIDs:   make([]string, 2),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misaligned")
}
