package embedder

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// geminiEmbedBatchSize is the maximum contents per EmbedContent call.
const geminiEmbedBatchSize = 100

// GeminiEmbedder implements rag.Embedder using the Gemini embedContent API.
// It maps the document/query intent onto Gemini task types so stored chunks
// and search queries are embedded asymmetrically. Safe for concurrent use.
type GeminiEmbedder struct {
	// client is the shared genai API client.
	client *genai.Client
	// model is the embedding model name (e.g. "text-embedding-004").
	model string
	// dimensions is the requested output dimensionality (0 = model default).
	dimensions int
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the embedding model name (e.g. "text-embedding-004").
	Model string
	// Dimensions is the requested output dimensionality (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder constructs a GeminiEmbedder from the given config.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiEmbedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// taskType maps the abstract intent onto Gemini's embedding task type.
func taskType(intent rag.Intent) string {
	if intent == rag.IntentQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// Embed converts a batch of texts into their corresponding embeddings.
// Inputs larger than the API batch limit are split transparently; the
// returned slice is parallel to the input slice.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string, intent rag.Intent) ([][]float32, error) {
	cfg := &genai.EmbedContentConfig{
		TaskType: taskType(intent),
	}
	if e.dimensions > 0 {
		dims := int32(e.dimensions) //nolint:gosec // dimensions is a small positive config value
		cfg.OutputDimensionality = &dims
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiEmbedBatchSize {
		end := min(start+geminiEmbedBatchSize, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: embed failed: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini embedder: expected %d embeddings, got %d", end-start, len(resp.Embeddings))
		}
		for _, emb := range resp.Embeddings {
			embeddings = append(embeddings, emb.Values)
		}
	}

	return embeddings, nil
}
