package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/pipeline"
)

// NewChatCmd constructs the `arag chat` command, which runs a single chat
// turn from the terminal and prints the grounded answer.
func NewChatCmd() *cobra.Command {
	var sessionID string
	var showSources bool

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask a single question against the knowledge base",
		Long: `Run one chat turn from the terminal.

The question goes through the same retrieve, rerank, and generate pipeline
as the HTTP server, and the turn is recorded in the local session ledger.
Pass --session to continue an existing session so feedback and history
stay attached to it.

Examples:
  arag chat "ما هي ساعات العمل الرسمية؟"
  arag chat --session support-123 "وما هي أيام العطل؟"
  arag chat --sources "من هو المدير المسؤول؟"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, vectors, err := buildVectorStack(ctx, log)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer vectors.Close()

			led, err := openLedger(log)
			if err != nil {
				return fmt.Errorf("chat: failed to open session ledger: %w", err)
			}
			defer func() { _ = led.Close() }()

			chat, err := buildChatPipeline(ctx, log, emb, vectors, led)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			result, err := chat.ProcessTurn(ctx, pipeline.TurnRequest{
				SessionID: sessionID,
				Query:     args[0],
			})
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			fmt.Println(result.Answer)
			if showSources && len(result.Sources) > 0 {
				fmt.Println()
				for i, src := range result.Sources {
					fmt.Printf("[%d] %s\n", i+1, src.ID)
					if src.Snippet != "" {
						fmt.Printf("    %s\n", src.Snippet)
					}
				}
			}
			fmt.Printf("\nsession: %s  turn: %s  (%.0f ms)\n", result.SessionID, result.TurnID, result.LatencyMS)

			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to continue (default: a new session)")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the source references used for the answer")

	return cmd
}
