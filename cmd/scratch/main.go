// Package main implements the scratch CLI, which edits records of a scratch
// workbook through the optimistic edit buffer.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL overrides store.base_url, e.g. http://localhost:9090/api/v1
	serverURL string
	// configPath overrides ~/.config/scratch/config.yaml
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scratch",
	Short: "Edit scratch workbook records from the command line",
	Long: `scratch queues record edits locally, applies them optimistically to its
record cache and saves them to the record store in coalesced bulk calls.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "record store API URL (overrides store.base_url)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/scratch/config.yaml)")
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(healthCmd)
}

func loadApp(withEvents bool) (*app, error) {
	return newApp(appOptions{
		configPath: configPath,
		serverURL:  serverURL,
		events:     withEvents,
	})
}
