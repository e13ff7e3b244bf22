package correlation

import (
	"regexp"
	"slices"
	"strings"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// ErrUnrecognizedQuery is returned by CompileQuery for anything outside the
// two supported forms. The accompanying Query never matches.
var ErrUnrecognizedQuery = errors.NewValidationError("UNRECOGNIZED_QUERY", "unrecognized query format")

var (
	orListPattern = regexp.MustCompile(`^\s*([\w.@-]+):\(([^)]+)\)\s*$`)
	valuePattern  = regexp.MustCompile(`^\s*([\w.@-]+):(.+)$`)
)

const orSeparator = " OR "

// Query is a compiled restricted Lucene-style predicate:
//
//	field:value
//	field:(v1 OR v2 OR ...)
type Query struct {
	raw    string
	field  event.FieldPath
	values []string
	valid  bool
}

// CompileQuery parses raw. On an unrecognized form it returns a Query that
// matches nothing together with ErrUnrecognizedQuery.
func CompileQuery(raw string) (Query, error) {
	if m := orListPattern.FindStringSubmatch(raw); m != nil {
		var values []string
		for _, v := range strings.Split(m[2], orSeparator) {
			values = append(values, strings.TrimSpace(v))
		}
		return Query{raw: raw, field: event.ParsePath(m[1]), values: values, valid: true}, nil
	}
	if m := valuePattern.FindStringSubmatch(raw); m != nil {
		value := strings.TrimSpace(m[2])
		return Query{raw: raw, field: event.ParsePath(m[1]), values: []string{value}, valid: true}, nil
	}
	return Query{raw: raw}, ErrUnrecognizedQuery.WithDetails(map[string]any{"query": raw})
}

// Matches reports whether the stringified field value equals one of the
// query values. Absent fields never match.
func (q Query) Matches(ev event.Event) bool {
	if !q.valid {
		return false
	}
	v, ok := ev.Lookup(q.field)
	if !ok {
		return false
	}
	return slices.Contains(q.values, event.Stringify(v))
}

// Valid reports whether the query was recognized
func (q Query) Valid() bool {
	return q.valid
}

func (q Query) String() string {
	return q.raw
}
