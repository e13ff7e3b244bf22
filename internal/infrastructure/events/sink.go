package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
)

// Sink receives matches emitted by a correlation engine
type Sink interface {
	Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error
}

// DeliveryObserver is told the outcome of every delivery attempt of a named sink
type DeliveryObserver func(sink string, err error)

// NamedSink pairs a sink with the name used in logs and metrics
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans a match out to every configured sink. All sinks are tried
// even when some fail; the failures are joined.
type MultiSink struct {
	sinks    []NamedSink
	observer DeliveryObserver
	logger   *zap.Logger
}

// NewMultiSink creates a fan-out sink. observer may be nil.
func NewMultiSink(logger *zap.Logger, observer DeliveryObserver, sinks ...NamedSink) *MultiSink {
	return &MultiSink{
		sinks:    sinks,
		observer: observer,
		logger:   logger.Named("sinks"),
	}
}

// Deliver hands m to every sink in order
func (s *MultiSink) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	var errs []error
	for _, ns := range s.sinks {
		err := ns.Sink.Deliver(ctx, rule, m)
		if s.observer != nil {
			s.observer(ns.Name, err)
		}
		if err != nil {
			s.logger.Error("Sink delivery failed",
				zap.String("sink", ns.Name),
				zap.String("rule", rule.Name),
				zap.Stringer("match_id", m.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ns.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the configured sinks
func (s *MultiSink) Names() []string {
	names := make([]string, len(s.sinks))
	for i, ns := range s.sinks {
		names[i] = ns.Name
	}
	return names
}

// LogSink writes every match to the logger
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alerts")}
}

func (s *LogSink) Deliver(_ context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	s.logger.Info(rule.Summary(m),
		zap.String("rule", rule.Name),
		zap.String("partition", m.PartitionKey.String()),
		zap.Stringer("match_id", m.ID),
		zap.Int("num_sequences", m.NumSequences),
		zap.Int("related_events", len(m.RelatedEvents)),
		zap.Any("event", m.Event))
	return nil
}
