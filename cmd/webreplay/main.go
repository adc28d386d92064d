// Command webreplay keeps a rolling buffer of intercepted HTTP traffic,
// extracts capture windows around alerts, and reconstructs the captured
// pages into a locally browsable tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "webreplay",
		Short: "Alert-triggered HTTP capture windows and offline page reconstruction",
		Long: `webreplay runs an intercepting proxy and a packet capturer, keeps the most
recent HTTP flows in memory, and on every alert writes the ten minutes before
and after it to disk together with the matching packet captures. Each window
is reconstructed into a static copy of the pages that were visited.

Examples:
  # Run the capture service (configuration from the environment or .env)
  webreplay run

  # Reconstruct a window into ./reconstructed_sites
  webreplay reconstruct data/output/web/http_past10_1700000000.json

  # Only pages of one host, only successful responses
  webreplay reconstruct -d example.com --where '.status_code < 400' window.json

  # Print statistics without writing anything
  webreplay analyse window.json`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(), newReconstructCmd(), newAnalyseCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
