package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/ingestion"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
)

// NewIngestCmd constructs the `arag ingest` command, which chunks local
// text files and stores them in the knowledge base.
func NewIngestCmd() *cobra.Command {
	var chunkSize int
	var chunkOverlap int

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest local text files into the knowledge base",
		Long: `Chunk local text files and index them into the Qdrant vector store.

Each file is split into overlapping chunks (offsets count characters, so
Arabic text is never split mid-letter), embedded with the configured
embedding provider, and stored under the file's base name. Ingested
chunks are what the chat pipeline retrieves and cites.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: arabic-docs)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  EMBEDDING_PROVIDER   Embedding backend: cohere, gemini, ollama, openai, azure (default: cohere)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  arag ingest ./docs/policy.txt
  arag ingest --chunk-size 600 --chunk-overlap 50 ./docs/*.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			emb, vectors, err := buildVectorStack(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer vectors.Close()

			store := kb.New(vectors, emb, log)

			pipeline, err := ingestion.NewPipeline(store, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			log.Info("starting ingestion", slog.Int("files", len(args)))

			if err := pipeline.Ingest(ctx, args, func(msg string) {
				log.Info(msg)
			}); err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			log.Info("ingestion complete", slog.Int("files", len(args)))
			return nil
		},
	}

	cmd.Flags().IntVar(&chunkSize, "chunk-size", getEnvInt("CHUNK_SIZE", ingestion.DefaultChunkSize), "Maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", getEnvInt("CHUNK_OVERLAP", ingestion.DefaultChunkOverlap), "Characters repeated between consecutive chunks")

	return cmd
}
