package correlation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/strftime"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// DefaultTimestampFormat is the strftime pattern for summary times when a
// rule sets no custom format
const DefaultTimestampFormat = "%Y-%m-%d %H:%M %Z"

// MatchResult is raised when a partition's window holds enough sequences
type MatchResult struct {
	ID           uuid.UUID
	Rule         string
	PartitionKey event.PartitionKey
	NumSequences int
	MatchedAt    time.Time

	// Event is a copy of the most recent event in the window
	Event event.Event
	// RelatedEvents are the other window events in order, or nil when the
	// rule does not attach them
	RelatedEvents []event.Event
}

// NewMatchResult builds a match from the latest event of a window
func NewMatchResult(rule string, key event.PartitionKey, sequences int, matchedAt time.Time, latest event.Event, related []event.Event) *MatchResult {
	return &MatchResult{
		ID:            uuid.New(),
		Rule:          rule,
		PartitionKey:  key,
		NumSequences:  sequences,
		MatchedAt:     matchedAt,
		Event:         latest.Clone(),
		RelatedEvents: related,
	}
}

// Body returns the alert payload: the matched event with related_events
// attached when present.
func (m *MatchResult) Body() event.Event {
	body := m.Event.Clone()
	if body == nil {
		body = event.Event{}
	}
	if m.RelatedEvents != nil {
		body[event.RelatedEventsField] = m.RelatedEvents
	}
	return body
}

// MarshalJSON encodes the alert payload
func (m *MatchResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Body())
}

// SummaryOptions control how match times are displayed
type SummaryOptions struct {
	UseLocalTime bool
	// Format is a strftime pattern such as "%Y-%m-%d %H:%M %Z"
	Format   string
	Location *time.Location
}

// ParseTimestampFormat compiles a strftime pattern for summary times
func ParseTimestampFormat(pattern string) (*strftime.Strftime, error) {
	if pattern == "" {
		pattern = DefaultTimestampFormat
	}
	f, err := strftime.New(pattern)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_TIMESTAMP_FORMAT",
			fmt.Sprintf("custom_pretty_ts_format %q: %v", pattern, err))
	}
	return f, nil
}

// Summary renders the human-readable description of a match
func Summary(numEvents int, timeframe time.Duration, matchedAt time.Time, opts SummaryOptions) string {
	start := matchedAt.Add(-timeframe)
	return fmt.Sprintf("At least %d sequences of events occurred between %s and %s\n\n",
		numEvents, prettyTime(start, opts), prettyTime(matchedAt, opts))
}

func prettyTime(ts time.Time, opts SummaryOptions) string {
	f, err := ParseTimestampFormat(opts.Format)
	if err != nil {
		f, _ = ParseTimestampFormat(DefaultTimestampFormat)
	}
	if opts.UseLocalTime {
		loc := opts.Location
		if loc == nil {
			loc = time.Local
		}
		ts = ts.In(loc)
	} else {
		ts = ts.UTC()
	}
	return f.FormatString(ts)
}

// MatchRecord is the persisted and streamed form of a match
type MatchRecord struct {
	ID           uuid.UUID       `json:"id"`
	Rule         string          `json:"rule"`
	PartitionKey string          `json:"partition_key"`
	NumSequences int             `json:"num_sequences"`
	MatchedAt    time.Time       `json:"matched_at"`
	Summary      string          `json:"summary"`
	Payload      json.RawMessage `json:"payload"`
}

// Record renders a match of this rule for storage and streaming
func (r *Rule) Record(m *MatchResult) (MatchRecord, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return MatchRecord{}, fmt.Errorf("encoding match payload: %w", err)
	}
	return MatchRecord{
		ID:           m.ID,
		Rule:         m.Rule,
		PartitionKey: m.PartitionKey.String(),
		NumSequences: m.NumSequences,
		MatchedAt:    m.MatchedAt,
		Summary:      r.Summary(m),
		Payload:      payload,
	}, nil
}
