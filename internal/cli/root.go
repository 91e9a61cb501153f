package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "cyra",
	Short: "Command-line client for the cyra vulnerability scanner",
	Long: `cyra - command-line client for the cyra website vulnerability scanner

Sign in, submit a site for scanning, follow the scan until it settles and
review the findings the service reports for a timeframe.

Scan only sites you own or are authorized to test.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Interrupt cancels the running command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Connection flags
	rootCmd.PersistentFlags().String("config", "", "Config file (default $XDG_CONFIG_HOME/cyra/config.toml)")
	rootCmd.PersistentFlags().String("api", "", "API base URL (e.g., https://scanner.example.com/api)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().Float64("rate", 0, "Maximum requests per second (0 = unlimited)")

	// State
	rootCmd.PersistentFlags().String("state", "", "Local state database (credentials, cached findings)")

	// Output flags
	rootCmd.PersistentFlags().IntP("verbose", "v", 0, "Verbosity level (0-3)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output file path")
	rootCmd.PersistentFlags().StringP("format", "f", "text", "Output format (text, json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cyra %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
