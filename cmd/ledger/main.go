package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"credit_ledger/internal/logging"
	"credit_ledger/internal/utils"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var logger = utils.NewLogger("ledger")

var rootCmd = &cobra.Command{
	Use:           "ledger",
	Short:         "Credit ledger - prepaid usage billing for the document editor",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{
			Format:    envOr("LOG_FORMAT", "json"),
			Level:     envOr("LOG_LEVEL", "info"),
			Component: "ledger",
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledger %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
