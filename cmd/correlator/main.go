// correlator detects ordered sequences of events in a stream and alerts
// when enough complete sequences occur within a rule's timeframe.
//
// Usage:
//
//	correlator run --config configs/config.yaml
//	correlator check --config configs/config.yaml
//	correlator test --rule rules/ec2-tamper.yaml --events events.ndjson
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "correlator",
		Short: "Streaming sequence correlation engine",
		Long: `correlator reads events from a file or an SQS queue, partitions them by a
query key and alerts when a rule's ordered sequence of events completes
enough times within its timeframe.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(checkCmd(&configPath))
	rootCmd.AddCommand(testCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
