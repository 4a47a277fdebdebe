package nlp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/recallio/audio-ingest/pkg/config"
)

// Embedder produces dense vectors for chunks and segments, plus the
// dimension the vector collection must be created with.
type Embedder interface {
	SegmentEmbedder
	Dimension() int
}

// OpenAIEmbedder calls an OpenAI-compatible embedding endpoint (a local
// inference server in the default deployment). Safe for concurrent use.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int

	// e5-family models expect a task prefix on every input.
	passagePrefix string
}

// NewOpenAIEmbedder builds the embedding client from configuration.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.ServiceURL

	prefix := ""
	if strings.Contains(cfg.Model, "e5") {
		prefix = "passage: "
	}

	return &OpenAIEmbedder{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         cfg.Model,
		dimension:     cfg.Dimension,
		batchSize:     cfg.BatchSize,
		passagePrefix: prefix,
	}
}

// Dimension returns the configured vector width.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// EmbedTexts embeds the inputs in request batches, preserving input order.
// Every returned vector is L2-normalized and checked against the configured
// dimension.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, end-start)
		for i, text := range texts[start:end] {
			batch[i] = e.passagePrefix + text
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("embedding batch starting at %d: %w", start, err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs", len(resp.Data), len(batch))
		}

		// The API may return entries out of order; Index is authoritative.
		sort.Slice(resp.Data, func(i, j int) bool {
			return resp.Data[i].Index < resp.Data[j].Index
		})

		for i, item := range resp.Data {
			if len(item.Embedding) != e.dimension {
				return nil, fmt.Errorf("embedding for input %d has dimension %d, expected %d",
					start+i, len(item.Embedding), e.dimension)
			}
			out = append(out, normalize(item.Embedding))
		}
	}
	return out, nil
}

// normalize scales a vector to unit length. Zero vectors pass through.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
