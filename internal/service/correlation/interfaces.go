package correlation

import (
	"context"
	"time"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// Sink receives the matches an engine emits
type Sink interface {
	// Deliver hands one match of rule to the alerting side
	Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error

func (f SinkFunc) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	return f(ctx, rule, m)
}

// Ingester is what the scheduler needs from an engine
type Ingester interface {
	// Rule returns the rule the engine evaluates
	Rule() *correlation.Rule
	// AddData appends a batch of events and evaluates every touched partition
	AddData(ctx context.Context, events []event.Event) error
	// GarbageCollect drops partitions idle for longer than the timeframe
	GarbageCollect(ctx context.Context, now time.Time) int
}
