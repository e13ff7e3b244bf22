package event

import (
	"bytes"
	"encoding/json"
	"maps"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
)

// RelatedEventsField is the key under which a match carries the other
// events of its window.
const RelatedEventsField = "related_events"

// Event is a structured log record: a nested mapping of string field names
// to scalar, array or mapping values.
type Event map[string]any

// Clone returns a shallow copy. Nested values are shared and must be
// treated as read-only.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	return maps.Clone(e)
}

// Lookup resolves a dotted field path against the event
func (e Event) Lookup(path FieldPath) (any, bool) {
	return path.Lookup(e)
}

// Decode parses a single JSON object into an Event. Numbers are kept as
// json.Number so large identifiers survive untouched.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, errors.NewValidationError("INVALID_EVENT", "event is not a JSON object").WithCause(err)
	}
	if ev == nil {
		return nil, errors.NewValidationError("INVALID_EVENT", "event is null")
	}
	return ev, nil
}
