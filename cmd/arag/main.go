// Command arag is the entry point for the Arabic RAG chatbot service.
// It provides a CLI interface (via Cobra) for running the HTTP server,
// ingesting documents into the knowledge base, and one-shot chat queries.
package main

import (
	"fmt"
	"os"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/cmd/arag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
