// Command syncd runs the bidirectional media-library sync service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/syncd/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd replicates watched/favorite/rating/progress state across media-library nodes",
	Long: `syncd is a bidirectional replication service for a fleet of
Jellyfin-style media-library servers. It accepts webhooks from each node,
durably queues the resulting intents, resolves identities across the
fleet, and applies them to every other configured node.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Cleanup()
}
