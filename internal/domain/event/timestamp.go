package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
)

// DefaultTimestampField is used when a rule does not name one
const DefaultTimestampField = "@timestamp"

var (
	ErrTimestampMissing = errors.NewValidationError("TIMESTAMP_MISSING", "event has no timestamp")
	ErrTimestampInvalid = errors.NewValidationError("TIMESTAMP_INVALID", "event timestamp cannot be parsed")
)

// layouts accepted for string timestamps; zone-less forms are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp extracts the event time from the field at path. Accepted values
// are time.Time, RFC3339-like strings and numeric epoch seconds.
func (e Event) Timestamp(path FieldPath) (time.Time, error) {
	v, ok := e.Lookup(path)
	if !ok {
		return time.Time{}, ErrTimestampMissing.WithDetails(map[string]any{"field": path.String()})
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// ParseTimestamp converts a raw field value into a time
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, ErrTimestampInvalid.WithDetails(map[string]any{"value": t})
	case json.Number, float64, float32, int, int64, int32, uint, uint64, uint32:
		f, _ := toFloat(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, ErrTimestampInvalid.WithDetails(map[string]any{"value": fmt.Sprint(t)})
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	default:
		return time.Time{}, ErrTimestampInvalid.WithDetails(map[string]any{"value": fmt.Sprint(t)})
	}
}
