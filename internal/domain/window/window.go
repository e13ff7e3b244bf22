package window

import (
	"sort"
	"slices"
	"time"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// Entry is one buffered event with its weight
type Entry struct {
	Event     event.Event
	Timestamp time.Time
	Weight    int
}

// Window is a time-bounded buffer of events kept in timestamp order.
// After every append the oldest entries are evicted while the span between
// the newest and the oldest entry is at least the timeframe.
// A Window is not safe for concurrent use.
type Window struct {
	timeframe time.Duration
	entries   []Entry
	count     int
}

// New creates an empty window retaining events for timeframe
func New(timeframe time.Duration) (*Window, error) {
	if timeframe <= 0 {
		return nil, errors.NewValidationError("INVALID_TIMEFRAME",
			"window timeframe must be positive").WithDetails(map[string]any{"timeframe": timeframe.String()})
	}
	return &Window{timeframe: timeframe}, nil
}

// Append inserts an event at its timestamp position and evicts expired entries.
// Events sharing a timestamp keep their arrival order.
func (w *Window) Append(ev event.Event, ts time.Time, weight int) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].Timestamp.After(ts)
	})
	w.entries = slices.Insert(w.entries, i, Entry{Event: ev, Timestamp: ts, Weight: weight})
	w.count += weight

	evict := 0
	newest := w.entries[len(w.entries)-1].Timestamp
	for evict < len(w.entries) && newest.Sub(w.entries[evict].Timestamp) >= w.timeframe {
		w.count -= w.entries[evict].Weight
		evict++
	}
	if evict > 0 {
		clear(w.entries[:evict])
		w.entries = slices.Delete(w.entries, 0, evict)
	}
}

// Count returns the sum of the weights of the buffered entries
func (w *Window) Count() int {
	return w.count
}

// Len returns the number of buffered entries
func (w *Window) Len() int {
	return len(w.entries)
}

// At returns the entry at index i in timestamp order
func (w *Window) At(i int) Entry {
	return w.entries[i]
}

// Events returns the buffered events in order, excluding the last skip of them
func (w *Window) Events(skipLast int) []event.Event {
	n := max(len(w.entries)-skipLast, 0)
	out := make([]event.Event, 0, n)
	for _, e := range w.entries[:n] {
		out = append(out, e.Event)
	}
	return out
}

// Latest returns the most recent entry
func (w *Window) Latest() (Entry, bool) {
	if len(w.entries) == 0 {
		return Entry{}, false
	}
	return w.entries[len(w.entries)-1], true
}

// Clear drops every entry
func (w *Window) Clear() {
	clear(w.entries)
	w.entries = w.entries[:0]
	w.count = 0
}
