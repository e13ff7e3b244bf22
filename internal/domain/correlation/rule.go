package correlation

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// PositionSpec is one slot of the configured sequence. Positions are
// 1-based and define the order in which events must occur.
type PositionSpec struct {
	Position int
	Matcher  Matcher
}

// Rule is a validated correlation rule
type Rule struct {
	Name           string
	NumEvents      int
	Timeframe      time.Duration
	Positions      []PositionSpec
	QueryKey       event.FieldPath
	TimestampField event.FieldPath
	AttachRelated  bool
	Realert        time.Duration
	Display        SummaryOptions
}

// RuleOption customizes optional rule settings
type RuleOption func(*Rule)

func WithQueryKey(field string) RuleOption {
	return func(r *Rule) { r.QueryKey = event.ParsePath(field) }
}

func WithTimestampField(field string) RuleOption {
	return func(r *Rule) {
		if field != "" {
			r.TimestampField = event.ParsePath(field)
		}
	}
}

func WithAttachRelated(attach bool) RuleOption {
	return func(r *Rule) { r.AttachRelated = attach }
}

func WithRealert(d time.Duration) RuleOption {
	return func(r *Rule) { r.Realert = d }
}

func WithDisplay(opts SummaryOptions) RuleOption {
	return func(r *Rule) { r.Display = opts }
}

// NewRule validates the rule and orders its positions ascending
func NewRule(name string, numEvents int, timeframe time.Duration, positions []PositionSpec, opts ...RuleOption) (*Rule, error) {
	if name == "" {
		return nil, errors.NewValidationError("MISSING_NAME", "rule name is required")
	}
	if numEvents < 1 {
		return nil, errors.NewValidationError("INVALID_NUM_EVENTS",
			fmt.Sprintf("num_events must be at least 1, got %d", numEvents))
	}
	if timeframe <= 0 {
		return nil, errors.NewValidationError("INVALID_TIMEFRAME", "timeframe must be positive")
	}
	if len(positions) == 0 {
		return nil, errors.NewValidationError("MISSING_CORRELATED_EVENTS", "at least one correlated event is required")
	}

	ordered := slices.Clone(positions)
	slices.SortStableFunc(ordered, func(a, b PositionSpec) int {
		return cmp.Compare(a.Position, b.Position)
	})
	for i, p := range ordered {
		if p.Matcher == nil {
			return nil, errors.NewValidationError("MISSING_MATCHER",
				fmt.Sprintf("position %d has no matcher", p.Position))
		}
		if i > 0 && ordered[i-1].Position == p.Position {
			return nil, errors.NewValidationError("DUPLICATE_POSITION",
				fmt.Sprintf("position %d is configured more than once", p.Position))
		}
	}

	r := &Rule{
		Name:           name,
		NumEvents:      numEvents,
		Timeframe:      timeframe,
		Positions:      ordered,
		TimestampField: event.ParsePath(event.DefaultTimestampField),
		AttachRelated:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := ParseTimestampFormat(r.Display.Format); err != nil {
		return nil, err
	}
	return r, nil
}

// Summary describes a match of this rule
func (r *Rule) Summary(m *MatchResult) string {
	return Summary(r.NumEvents, r.Timeframe, m.MatchedAt, r.Display)
}
