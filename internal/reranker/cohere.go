// Package reranker provides rag.Reranker implementations for reordering
// retrieved chunks by relevance before answer generation.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// CohereReranker implements rag.Reranker using the Cohere rerank REST API.
// It is safe for concurrent use.
type CohereReranker struct {
	// baseURL is the API base (default "https://api.cohere.com").
	baseURL string
	// apiKey is the Bearer token.
	apiKey string
	// model is the rerank model name (e.g. "rerank-multilingual-v3.0").
	model string
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// CohereConfig holds the settings for constructing a CohereReranker.
type CohereConfig struct {
	// BaseURL overrides the API base URL (default "https://api.cohere.com").
	BaseURL string
	// APIKey is the Cohere API key.
	APIKey string
	// Model is the rerank model name (e.g. "rerank-multilingual-v3.0").
	Model string
}

// NewCohereReranker constructs a CohereReranker from the given config.
func NewCohereReranker(cfg *CohereConfig) *CohereReranker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	return &CohereReranker{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// cohereRerankRequest is the JSON body sent to the /v1/rerank endpoint.
type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// cohereRerankResponse is the JSON body returned from the /v1/rerank endpoint.
type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank scores documents against query and returns the topN most relevant
// as (input index, score) pairs ordered best first. Callers decide how to
// degrade when the call fails; this method only reports the error.
func (r *CohereReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rag.RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	body := cohereRerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cohere reranker: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("cohere reranker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere reranker: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("cohere reranker: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Message != "" {
			msg = result.Message
		}
		return nil, fmt.Errorf("cohere reranker: %s", msg)
	}

	ranked := make([]rag.RerankResult, 0, len(result.Results))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, fmt.Errorf("cohere reranker: index %d out of range [0, %d)", res.Index, len(documents))
		}
		ranked = append(ranked, rag.RerankResult{
			Index: res.Index,
			Score: res.RelevanceScore,
		})
	}

	return ranked, nil
}
