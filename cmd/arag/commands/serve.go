package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/server"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/tracing"
)

// NewServeCmd constructs the `arag serve` command, which starts the chat
// HTTP server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the arag HTTP chat server",
		Long: `Start the arag HTTP server on localhost.

The server exposes the chat endpoint (POST /api/chat), per-turn feedback
(POST /api/feedback), and knowledge base administration under /api/kb.
Readiness of Qdrant and the session ledger is reported on GET /api/ready,
and Prometheus metrics on GET /metrics.

Examples:
  arag serve
  arag serve --port 9090
  MODEL_PROVIDER=ollama arag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing. Opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			emb, vectors, err := buildVectorStack(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer vectors.Close()

			led, err := openLedger(log)
			if err != nil {
				return fmt.Errorf("serve: failed to open session ledger: %w", err)
			}
			defer func() { _ = led.Close() }()

			chat, err := buildChatPipeline(ctx, log, emb, vectors, led)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			chunks := kb.New(vectors, emb, log)

			srv, err := server.New(chat, led, chunks, &server.Config{
				Host:   host,
				Port:   port,
				Logger: log,
				Pingers: []server.Pinger{
					server.NewQdrantPinger(vectors.Client()),
					server.NewSQLitePinger(led.DB()),
				},
				APIKey: os.Getenv("ARAG_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", getEnvOrDefault("ARAG_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("ARAG_PORT", 8080), "TCP port to listen on")

	return cmd
}
