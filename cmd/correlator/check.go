package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
)

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and every rule",
		Long: `Load the configuration and every rule in rules_dir and report problems
without connecting to any store.

Examples:
  # Check the default configuration
  correlator check

  # Check a specific file
  correlator check -c configs/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			logger, err := telemetry.NewLogger("warn", cfg.Environment)
			if err != nil {
				return err
			}

			rules, err := loadRules(cfg.RulesDir, logger)
			if err != nil {
				return fmt.Errorf("rules are invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tNUM_EVENTS\tTIMEFRAME\tPOSITIONS\tQUERY_KEY")
			for _, r := range rules {
				key := r.QueryKey.String()
				if key == "" {
					key = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", r.Name, r.NumEvents, r.Timeframe, len(r.Positions), key)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nConfiguration OK: %d rules, source %s\n", len(rules), cfg.Source.Kind)
			return nil
		},
	}
}
