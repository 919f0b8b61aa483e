package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/embedder"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/generator"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/ledger"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/pipeline"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/reranker"
)

// defaultRerankModel is used when COHERE_RERANK_MODEL is unset.
const defaultRerankModel = "rerank-multilingual-v3.0"

// buildVectorStack validates the embedding configuration, constructs the
// embedder, and connects to Qdrant with a collection sized to the embedder's
// output dimension. Shared by serve, ingest, and chat.
func buildVectorStack(ctx context.Context, log *slog.Logger) (rag.Embedder, *rag.QdrantStore, error) {
	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, nil, err
	}

	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := embedder.ResolveBackend()
	log.Info("embedder initialised", slog.String("provider", backend))

	qdrantHost := getEnvOrDefault("QDRANT_HOST", "localhost")
	qdrantPort := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "arabic-docs")
	vectorSize := uint64(embedder.DefaultDimensions(backend)) //nolint:gosec // dimensions are bounded

	vectors, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       qdrantHost,
		Port:       qdrantPort,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", qdrantHost, qdrantPort, err)
	}
	log.Info("qdrant store ready",
		slog.String("host", qdrantHost),
		slog.Int("port", qdrantPort),
		slog.String("collection", collection),
	)

	return emb, vectors, nil
}

// openLedger opens the SQLite session ledger. ARAG_DB overrides the default
// path (~/.arag/sessions.db).
func openLedger(log *slog.Logger) (*ledger.SQLiteLedger, error) {
	dbPath := os.Getenv("ARAG_DB")
	if dbPath == "" {
		var err error
		dbPath, err = ledger.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	led, err := ledger.Open(dbPath, log)
	if err != nil {
		return nil, err
	}
	log.Info("session ledger opened", slog.String("path", dbPath))
	return led, nil
}

// buildChatPipeline assembles the retrieve, rerank, and generate stages on
// top of an already-connected vector stack and session ledger. Reranking is
// skipped when no Cohere key is configured; retrieval order is kept as-is.
func buildChatPipeline(ctx context.Context, log *slog.Logger, emb rag.Embedder, vectors *rag.QdrantStore, led ledger.SessionLedger) (*pipeline.Pipeline, error) {
	topK := getEnvInt("RETRIEVER_K", 10)

	retriever, err := rag.NewRetriever(emb, vectors, rag.Filter{SourceType: kb.SourceTypeDocumentChunk}, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	var rr rag.Reranker
	if apiKey := os.Getenv("COHERE_API_KEY"); apiKey != "" {
		rr = reranker.NewCohereReranker(&reranker.CohereConfig{
			APIKey: apiKey,
			Model:  getEnvOrDefault("COHERE_RERANK_MODEL", defaultRerankModel),
		})
	} else {
		log.Warn("reranking disabled", slog.String("reason", "COHERE_API_KEY not set"))
	}

	gen, err := generator.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise generator: %w", err)
	}
	log.Info("generator initialised", slog.String("provider", getEnvOrDefault("MODEL_PROVIDER", "gemini")))

	return pipeline.New(retriever, rr, gen, led, pipeline.Config{
		TopK:             topK,
		TopN:             getEnvInt("RERANK_TOP_N", 3),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 0),
		ContextMaxTokens: getEnvInt("CONTEXT_MAX_TOKENS", 0),
	}, log)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration returns the parsed duration value of the named environment
// variable (Go syntax, e.g. "30s"), or fallback when unset or not parseable.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
