package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptarena/promptarena/cmd/promptarena/commands"
	"github.com/promptarena/promptarena/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "promptarena",
	Short: "promptarena - LLM prompt comparison engine",
	Long: `promptarena compares LLM outputs across providers: submit a prompt with a
set of model configurations and test inputs, and get per-model latency, cost,
token usage, and error rates.

Available commands:
  serve  - Start the execution engine and progress WebSocket server
  status - Show queue and run statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
