package correlation

import (
	"fmt"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/domain/window"
)

// Entries is read access to a window's contents in timestamp order
type Entries interface {
	Len() int
	At(i int) window.Entry
}

// Matcher computes which window indices satisfy one sequence position.
// The set of implementations is closed: ExactMatch and AggregationMatch.
type Matcher interface {
	// Indices returns the satisfying indices in ascending order
	Indices(entries Entries) []int
	Kind() MatcherKind
	sealed()
}

// MatcherKind names a Matcher implementation
type MatcherKind string

const (
	KindExact       MatcherKind = "exact"
	KindAggregation MatcherKind = "aggregation"
)

// ExactMatch is satisfied by events whose Field equals Value
type ExactMatch struct {
	Field event.FieldPath
	Value any
}

// NewExactMatch builds an ExactMatch for a dotted field name
func NewExactMatch(field string, value any) (ExactMatch, error) {
	path := event.ParsePath(field)
	if path.IsZero() {
		return ExactMatch{}, errors.NewValidationError("MISSING_FIELD", "exact match requires a field")
	}
	return ExactMatch{Field: path, Value: value}, nil
}

func (m ExactMatch) Indices(entries Entries) []int {
	var out []int
	for i := range entries.Len() {
		v, ok := entries.At(i).Event.Lookup(m.Field)
		if ok && event.Equal(v, m.Value) {
			out = append(out, i)
		}
	}
	return out
}

func (ExactMatch) Kind() MatcherKind { return KindExact }
func (ExactMatch) sealed()           {}

func (m ExactMatch) String() string {
	return fmt.Sprintf("%s == %v", m.Field, m.Value)
}

// AggregationType selects the aggregate an AggregationMatch maintains
type AggregationType string

const (
	AggregationCardinality AggregationType = "cardinality"
	AggregationCount       AggregationType = "count"
)

// AggregationMatch is satisfied from the first index at which the running
// aggregate over query-matching events reaches Threshold, and at every
// index after it.
type AggregationMatch struct {
	Query     Query
	Type      AggregationType
	Field     event.FieldPath
	Threshold int
}

// NewAggregationMatch validates and builds an AggregationMatch
func NewAggregationMatch(query Query, aggType AggregationType, field string, threshold int) (AggregationMatch, error) {
	path := event.ParsePath(field)
	switch aggType {
	case AggregationCardinality:
		if path.IsZero() {
			return AggregationMatch{}, errors.NewValidationError("MISSING_AGGREGATION_FIELD",
				"cardinality aggregation requires an aggregation field")
		}
	case AggregationCount:
	default:
		return AggregationMatch{}, errors.NewValidationError("INVALID_AGGREGATION_TYPE",
			fmt.Sprintf("unsupported aggregation type %q", aggType))
	}
	if threshold < 1 {
		return AggregationMatch{}, errors.NewValidationError("INVALID_THRESHOLD",
			"aggregation threshold must be at least 1")
	}
	return AggregationMatch{Query: query, Type: aggType, Field: path, Threshold: threshold}, nil
}

func (m AggregationMatch) Indices(entries Entries) []int {
	n := entries.Len()
	seen := make(map[string]struct{})
	count := 0

	for i := range n {
		ev := entries.At(i).Event
		if m.Query.Matches(ev) {
			switch m.Type {
			case AggregationCardinality:
				if v, ok := ev.Lookup(m.Field); ok {
					seen[event.Stringify(v)] = struct{}{}
				}
				count = len(seen)
			case AggregationCount:
				count++
			}
		}
		if count >= m.Threshold {
			out := make([]int, 0, n-i)
			for j := i; j < n; j++ {
				out = append(out, j)
			}
			return out
		}
	}
	return nil
}

func (AggregationMatch) Kind() MatcherKind { return KindAggregation }
func (AggregationMatch) sealed()           {}

func (m AggregationMatch) String() string {
	return fmt.Sprintf("%s(%s) >= %d where %s", m.Type, m.Field, m.Threshold, m.Query)
}
