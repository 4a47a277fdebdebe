// Package vectorstore manages the Qdrant collection that serves retrieval:
// collection bootstrap, chunk upserts, and the compensating delete used when
// persistence fails after vectors were written.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/models"
)

const (
	defaultGRPCPort = 6334

	// upsertBatchSize bounds one Upsert request; batches ship in order with
	// Wait so a successful call means the points are durable.
	upsertBatchSize = 100

	maxGRPCMessageBytes = 32 * 1024 * 1024
)

// keywordIndexes are the payload fields retrieval filters on.
var keywordIndexes = []string{"conversation_id", "external_event_id", "trace_id", "speakers"}

// Store wraps the Qdrant gRPC client for one collection.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  uint64
}

// ConversationVectors is one conversation's worth of points to index. Chunks,
// Embeddings, and PointIDs are index-aligned.
type ConversationVectors struct {
	ConversationID  string
	ExternalEventID string
	TraceID         string
	Chunks          []models.Chunk
	Embeddings      [][]float32
	PointIDs        []string
}

// New connects to Qdrant. The URL scheme selects TLS; a missing port falls
// back to the gRPC default.
func New(cfg config.QdrantConfig, dimension int) (*Store, error) {
	host, port, useTLS, err := parseEndpoint(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxGRPCMessageBytes),
				grpc.MaxCallSendMsgSize(maxGRPCMessageBytes),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		dimension:  uint64(dimension),
	}, nil
}

// EnsureCollection creates the collection and its payload indexes when they do
// not exist yet. Safe to call on every startup.
func (s *Store) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %q: %w", s.collection, err)
	}

	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dimension,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %q: %w", s.collection, err)
		}
		slog.Info("Created Qdrant collection", "collection", s.collection, "dimension", s.dimension)
	}

	for _, field := range keywordIndexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("creating payload index on %q: %w", field, err)
		}
	}
	return nil
}

// UpsertConversation writes all chunk points for one conversation. Point IDs
// are deterministic per chunk, so re-processing overwrites in place.
func (s *Store) UpsertConversation(ctx context.Context, cv ConversationVectors) error {
	if len(cv.Chunks) != len(cv.Embeddings) || len(cv.Chunks) != len(cv.PointIDs) {
		return fmt.Errorf("misaligned vectors: %d chunks, %d embeddings, %d point ids",
			len(cv.Chunks), len(cv.Embeddings), len(cv.PointIDs))
	}

	points := buildPoints(cv)
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points[start:end],
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("upserting points %d..%d: %w", start, end-1, err)
		}
	}
	return nil
}

// DeleteConversation removes every point belonging to the conversation. Used
// as the compensating action when the metadata write fails after indexing.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("conversation_id", conversationID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("deleting points for conversation %s: %w", conversationID, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Close tears down the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// buildPoints assembles the point structs with the retrieval payload.
func buildPoints(cv ConversationVectors) []*qdrant.PointStruct {
	points := make([]*qdrant.PointStruct, len(cv.Chunks))
	for i, chunk := range cv.Chunks {
		speakers := make([]any, len(chunk.SpeakerIDs))
		for j, id := range chunk.SpeakerIDs {
			speakers[j] = id
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(cv.PointIDs[i]),
			Vectors: qdrant.NewVectors(cv.Embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"conversation_id":   cv.ConversationID,
				"external_event_id": cv.ExternalEventID,
				"trace_id":          cv.TraceID,
				"chunk_index":       int64(chunk.Index),
				"text":              chunk.Text,
				"token_count":       int64(chunk.TokenCount),
				"speakers":          speakers,
				"turn_start":        chunk.FirstSegmentID,
				"turn_end":          chunk.LastSegmentID,
			}),
		}
	}
	return points
}

// parseEndpoint splits a Qdrant URL into gRPC dial parameters.
func parseEndpoint(raw string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, err
	}
	if u.Host == "" {
		return "", 0, false, fmt.Errorf("url %q has no host", raw)
	}

	host = u.Hostname()
	port = defaultGRPCPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port in %q: %w", raw, err)
		}
	}
	return host, port, u.Scheme == "https", nil
}
