package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	domain "github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/source"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
	"github.com/davidleathers/sequence-correlator/internal/service/correlation"
	"github.com/davidleathers/sequence-correlator/internal/service/runner"
)

// eventCounter totals the events the runner fetched
type eventCounter struct {
	mu     sync.Mutex
	events int
}

func (c *eventCounter) ObserveTick(n int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events += n
}

func (c *eventCounter) FetchFailed() {}

func (c *eventCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func testCmd() *cobra.Command {
	var (
		rulePath   string
		eventsPath string
		batchSize  int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run one rule over an NDJSON file and print its matches",
		Long: `Evaluate a single rule file against newline-delimited JSON events and
print every match as a JSON line. Nothing is delivered to any sink.

Examples:
  correlator test --rule rules/ec2-tamper.yaml --events cloudtrail.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(logLevel, "development")
			if err != nil {
				return err
			}

			rf, err := config.LoadRule(rulePath)
			if err != nil {
				return err
			}
			rule, err := config.BuildRule(rf, logger)
			if err != nil {
				return err
			}

			src, err := source.OpenFile(eventsPath, batchSize, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			matches := 0
			sink := correlation.SinkFunc(func(_ context.Context, r *domain.Rule, m *domain.MatchResult) error {
				rec, err := r.Record(m)
				if err != nil {
					return err
				}
				matches++
				return enc.Encode(rec)
			})

			engine, err := correlation.NewEngine(rule, sink, logger)
			if err != nil {
				return err
			}

			counter := &eventCounter{}
			r, err := runner.New(src, []correlation.Ingester{engine},
				runner.Config{RunEvery: time.Second, GCEvery: time.Second},
				logger, runner.WithHooks(counter))
			if err != nil {
				return err
			}
			if err := r.RunOnce(cmd.Context()); err != nil {
				return err
			}

			logger.Info("Rule test complete",
				zap.String("rule", rule.Name),
				zap.Int("events", counter.total()),
				zap.Int("skipped_lines", src.Skipped()),
				zap.Int("matches", matches))
			fmt.Fprintf(cmd.ErrOrStderr(), "%d matches from %d events\n", matches, counter.total())
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulePath, "rule", "r", "", "Rule file to test (required)")
	cmd.Flags().StringVarP(&eventsPath, "events", "e", "", "NDJSON event file (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "Events per evaluation batch")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}
