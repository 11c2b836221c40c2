package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "iris",
	Short: "Iris - multi-platform conversational gateway",
	Long: `iris receives messaging webhooks from Messenger, Instagram, LINE, and
WhatsApp, answers customers with an AI collaborator, and escalates to a
human agent when the model is not confident enough to reply.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
