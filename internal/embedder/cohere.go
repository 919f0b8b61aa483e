// Package embedder provides implementations of the rag.Embedder interface
// for converting text into dense vector embeddings. The Cohere, Ollama and
// OpenAI backends talk plain HTTP; the Gemini backend uses the
// google.golang.org/genai client.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// defaultCohereBatchSize is the maximum texts per Cohere embed call
// (the v3 embed endpoint caps batches at 96).
const defaultCohereBatchSize = 96

// CohereEmbedder implements rag.Embedder using the Cohere embeddings REST
// API. It distinguishes document and query embeddings via input_type and
// splits large inputs into API-sized batches. Safe for concurrent use.
type CohereEmbedder struct {
	// baseURL is the API base (default "https://api.cohere.com").
	baseURL string
	// apiKey is the Bearer token.
	apiKey string
	// model is the embedding model name (e.g. "embed-multilingual-v3.0").
	model string
	// batchSize is the maximum number of texts per API call.
	batchSize int
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// CohereConfig holds the settings for constructing a CohereEmbedder.
type CohereConfig struct {
	// BaseURL overrides the API base URL (default "https://api.cohere.com").
	BaseURL string
	// APIKey is the Cohere API key.
	APIKey string
	// Model is the embedding model name (e.g. "embed-multilingual-v3.0").
	Model string
	// BatchSize caps texts per API call (default 96, the v3 endpoint limit).
	BatchSize int
}

// NewCohereEmbedder constructs a CohereEmbedder from the given config.
func NewCohereEmbedder(cfg *CohereConfig) *CohereEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > defaultCohereBatchSize {
		batch = defaultCohereBatchSize
	}
	return &CohereEmbedder{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		batchSize: batch,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

// cohereEmbedRequest is the JSON body sent to the /v1/embed endpoint.
type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

// cohereEmbedResponse is the JSON body returned from the /v1/embed endpoint.
type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

// inputType maps the abstract intent onto Cohere's input_type parameter.
func inputType(intent rag.Intent) string {
	if intent == rag.IntentQuery {
		return "search_query"
	}
	return "search_document"
}

// Embed converts a batch of texts into their corresponding embeddings.
// Inputs larger than the API batch limit are split transparently; the
// returned slice is parallel to the input slice.
func (e *CohereEmbedder) Embed(ctx context.Context, texts []string, intent rag.Intent) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end], intent)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	return embeddings, nil
}

// embedBatch performs a single /v1/embed call.
func (e *CohereEmbedder) embedBatch(ctx context.Context, texts []string, intent rag.Intent) ([][]float32, error) {
	body := cohereEmbedRequest{
		Texts:     texts,
		Model:     e.model,
		InputType: inputType(intent),
		Truncate:  "END",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cohere embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("cohere embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere embedder: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("cohere embedder: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Message != "" {
			msg = result.Message
		}
		return nil, fmt.Errorf("cohere embedder: %s", msg)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("cohere embedder: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	return result.Embeddings, nil
}
