// Package rag defines the capability interfaces consumed by the query
// pipeline and the knowledge base: embedding, vector storage, reranking,
// and answer generation. Concrete implementations (Cohere, Gemini, Qdrant,
// etc.) satisfy these interfaces so the pipeline never depends on a
// specific provider.
package rag

import (
	"context"
)

// Intent distinguishes the two embedding modes providers support.
// Document embeddings index knowledge chunks; query embeddings are used
// at retrieval time. Both produce vectors of the same dimension.
type Intent string

const (
	// IntentDocument embeds text for storage in the knowledge base.
	IntentDocument Intent = "document"
	// IntentQuery embeds text for similarity search against stored chunks.
	IntentQuery Intent = "query"
)

// Point is a single record in the vector store: an opaque id, its
// embedding, and an arbitrary key-value payload.
type Point struct {
	// ID is the unique identifier of the record (a UUID string).
	ID string

	// Vector is the embedding. May be nil when the caller requested
	// payload-only retrieval.
	Vector []float32

	// Payload holds the record's metadata as stored (scalar values only).
	Payload map[string]any
}

// ScoredPoint is a Point annotated with the store's similarity score.
type ScoredPoint struct {
	Point

	// Score is the cosine similarity assigned during search.
	Score float32
}

// Filter restricts vector store operations to matching records.
// Zero-value fields are not applied.
type Filter struct {
	// SourceType matches the payload "source_type" tag (e.g. "document_chunk").
	SourceType string

	// SourceFile matches the payload "source_file" field.
	SourceFile string
}

// IsZero reports whether the filter applies no conditions.
func (f Filter) IsZero() bool {
	return f.SourceType == "" && f.SourceFile == ""
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines and must
// batch large inputs internally.
type Embedder interface {
	// Embed converts a batch of texts into their embeddings. The returned
	// slice is parallel to the input slice. Intent selects document vs
	// query mode; backends without the distinction may ignore it.
	Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error)
}

// VectorStore persists and searches embedded records. Implementations must
// be safe to call from multiple goroutines. Upsert semantics are
// whole-record replace, not field patch.
type VectorStore interface {
	// Upsert stores or fully replaces the given points.
	Upsert(ctx context.Context, points []Point) error

	// Retrieve fetches points by id. Missing ids are simply absent from
	// the result. Vectors are included only when withVectors is true.
	Retrieve(ctx context.Context, ids []string, withVectors bool) ([]Point, error)

	// Search returns the top-limit records nearest to vector, restricted
	// by filter, ordered by descending similarity.
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]ScoredPoint, error)

	// Scroll pages through records matching filter. cursor is the opaque
	// token returned by a previous call ("" for the first page). The
	// returned cursor is "" when the page is the last.
	Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]Point, string, error)

	// Delete removes points by id.
	Delete(ctx context.Context, ids []string) error

	// DeleteByFilter removes every point matching filter. Returns
	// ErrNotCompleted (wrapped) when the store acknowledges the request
	// without confirming completion.
	DeleteByFilter(ctx context.Context, filter Filter) error

	// Close releases any resources held by the store.
	Close() error
}

// RerankResult is one entry of a reranking response: the index of the
// document in the submitted list and its relevance score.
type RerankResult struct {
	// Index is the position of the document in the input slice.
	Index int

	// Score is the provider-assigned relevance score (higher is better).
	Score float64
}

// Reranker reorders candidate documents by relevance to a query.
// Implementations must be safe to call from multiple goroutines.
type Reranker interface {
	// Rerank scores documents against query and returns the topN most
	// relevant as (input index, score) pairs, best first.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// GenerationResult is the tagged outcome of a generation call. Exactly one
// of the two shapes applies: Blocked false with Text set (success), or
// Blocked true with BlockReason set (the provider refused on safety
// grounds). Provider failures are returned as errors, not results.
type GenerationResult struct {
	// Text is the generated answer. Empty when Blocked.
	Text string

	// Blocked indicates the provider refused to generate.
	Blocked bool

	// BlockReason names the provider's block category when Blocked.
	BlockReason string
}

// Generator produces an answer from a system instruction and a user prompt.
// Sampling parameters are fixed at construction time. Implementations must
// be safe to call from multiple goroutines.
type Generator interface {
	// Generate runs one completion. A nil error with Blocked set means the
	// provider made an explicit safety decision; errors mean the call
	// itself failed (network, quota, empty response).
	Generate(ctx context.Context, systemInstruction, prompt string) (*GenerationResult, error)
}

// Retriever is the high-level interface used by the pipeline to fetch
// relevant chunks for a query. It combines embedding and vector search.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant points for the given query.
	Retrieve(ctx context.Context, query string, topK int) ([]ScoredPoint, error)
}
