package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/pipeline"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on the chat and
	// feedback endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives this server's Prometheus metrics. Defaults to
	// a fresh registry so concurrent instances never collide.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Must gather from MetricsRegistry.
	MetricsGatherer prometheus.Gatherer
}

// turnRunner is the interface handleChat calls to run one chat turn.
// *pipeline.Pipeline satisfies it; tests inject a fake.
type turnRunner interface {
	ProcessTurn(ctx context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error)
}

// feedbackWriter is the interface handleFeedback calls to record a rating.
// ledger.SessionLedger satisfies it; tests inject a fake.
type feedbackWriter interface {
	// SetFeedback records value against the turn, returning false when the
	// session or turn does not exist.
	SetFeedback(ctx context.Context, sessionID, turnID string, value int) (bool, error)
}

// chunkAdmin is the interface the KB admin handlers call.
// *kb.Store satisfies it; tests inject a fake.
type chunkAdmin interface {
	Create(ctx context.Context, text, sourceFile string) (*kb.ChunkDetail, error)
	Get(ctx context.Context, pointID string) (*kb.ChunkDetail, bool, error)
	List(ctx context.Context, sourceFile string, limit int, cursor string) ([]kb.ChunkDetail, string, error)
	Update(ctx context.Context, pointID string, text *string, metadataUpdates map[string]any) (*kb.ChunkDetail, bool, error)
	Delete(ctx context.Context, pointID string) (bool, error)
	DeleteBySourceFile(ctx context.Context, sourceFile string) (*kb.DeleteResult, error)
}

// Server is the HTTP server that exposes the chat pipeline, feedback
// recording, and KB administration.
type Server struct {
	// turns runs chat turns for POST /api/chat.
	turns turnRunner
	// feedback records ratings for POST /api/feedback.
	feedback feedbackWriter
	// chunks backs the /api/kb handlers.
	chunks chunkAdmin
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds this instance's Prometheus metrics.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// feedbackRequest is the JSON body for POST /api/feedback.
type feedbackRequest struct {
	// SessionID identifies the session the rated turn belongs to.
	SessionID string `json:"session_id"`
	// QueryID is the turn id from the chat response.
	QueryID string `json:"query_id"`
	// Rating is 1 for positive feedback, 0 for negative.
	Rating *int `json:"rating"`
	// Comment is an optional free-text remark. Logged, not stored.
	Comment string `json:"comment,omitempty"`
}

// chunkCreateRequest is the JSON body for POST /api/kb/chunks.
type chunkCreateRequest struct {
	// Text is the full chunk text to embed and store.
	Text string `json:"text_content"`
	// SourceFile is the conceptual source file for this chunk.
	SourceFile string `json:"source_file"`
}

// chunkUpdateRequest is the JSON body for PUT /api/kb/chunks/{point_id}.
type chunkUpdateRequest struct {
	// Text replaces the chunk text when non-null; the chunk is re-embedded.
	Text *string `json:"text_content"`
	// MetadataUpdates holds metadata fields to merge into the chunk.
	MetadataUpdates map[string]any `json:"metadata_updates"`
}

// chunkListResponse is the JSON response for GET /api/kb/chunks.
type chunkListResponse struct {
	// Chunks is one page of results.
	Chunks []kb.ChunkDetail `json:"chunks"`
	// NextOffsetID is the cursor for the next page, empty on the last page.
	NextOffsetID string `json:"next_offset_id,omitempty"`
}

// statusResponse is the generic JSON acknowledgement body.
type statusResponse struct {
	// Success reports whether the operation took effect.
	Success bool `json:"success"`
	// Detail is a human-readable summary.
	Detail string `json:"detail"`
}
