// pedrochat is a terminal and HTTP front end for chatting with local
// llama.cpp models.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
	serverURL  string
	modelPath  string
	noHistory  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pedrochat",
		Short: "Chat with local llama.cpp models",
		Long: `Pedrochat talks to a llama.cpp server, keeping each conversation inside the
model's context window and letting the model call tools.

It can run as:
  - an interactive terminal chat (pedrochat chat)
  - an HTTP server with SSE and websocket streaming (pedrochat serve)

Conversations are stored in SQLite by default, or PostgreSQL when DATABASE_URL is set.`,
		SilenceUsage: true,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: .pedrochat.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "llama.cpp server URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&modelPath, "model", "m", "", "Path to the GGUF model file (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "Do not store conversations")

	// Add commands
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
