// Package commands defines all Cobra CLI commands for the arag binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/audit"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/config"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "arag",
		Short: "Arabic retrieval-augmented chatbot over your own documents",
		Long: `arag answers Arabic questions grounded in documents you ingest.

It retrieves relevant chunks from a Qdrant vector store, reranks them with
Cohere, and generates an Arabic answer with the configured model provider
(gemini, ollama, openai, or azure). Every turn is recorded in a local
SQLite session ledger so answers can be rated afterwards.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.arag/config.yaml).
See 'arag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load .env from the working directory when present. Real env
			// vars are never overwritten.
			_ = godotenv.Load()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.arag/config.yaml)")

	root.AddCommand(
		NewChatCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
