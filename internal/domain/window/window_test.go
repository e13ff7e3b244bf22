package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func ev(name string) event.Event {
	return event.Event{"eventName": name}
}

func names(w *Window) []string {
	var out []string
	for _, e := range w.Events(0) {
		out = append(out, e["eventName"].(string))
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	w, err := New(time.Minute)
	require.NoError(t, err)
	assert.Zero(t, w.Count())
	_, ok := w.Latest()
	assert.False(t, ok)
}

func TestWindow_GrowsWithoutEviction(t *testing.T) {
	w, err := New(time.Hour)
	require.NoError(t, err)

	for i := range 10 {
		w.Append(ev("e"), base.Add(time.Duration(i)*time.Minute), 1)
		assert.Equal(t, i+1, w.Count())
	}
	assert.Equal(t, 10, w.Len())
	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 9*time.Minute, latest.Timestamp.Sub(w.At(0).Timestamp))
}

func TestWindow_Eviction(t *testing.T) {
	w, err := New(10 * time.Minute)
	require.NoError(t, err)

	w.Append(ev("a"), base, 1)
	w.Append(ev("b"), base.Add(5*time.Minute), 1)
	w.Append(ev("c"), base.Add(9*time.Minute), 1)
	assert.Equal(t, []string{"a", "b", "c"}, names(w))

	// span reaches the timeframe exactly: oldest goes
	w.Append(ev("d"), base.Add(10*time.Minute), 1)
	assert.Equal(t, []string{"b", "c", "d"}, names(w))
	assert.Equal(t, 3, w.Count())

	// a far newer event empties everything but itself
	w.Append(ev("e"), base.Add(time.Hour), 1)
	assert.Equal(t, []string{"e"}, names(w))
	assert.Equal(t, 1, w.Count())
}

func TestWindow_OutOfOrderInsert(t *testing.T) {
	w, err := New(time.Hour)
	require.NoError(t, err)

	w.Append(ev("b"), base.Add(2*time.Minute), 1)
	w.Append(ev("a"), base.Add(time.Minute), 1)
	w.Append(ev("c"), base.Add(3*time.Minute), 1)
	w.Append(ev("b2"), base.Add(2*time.Minute), 1)

	assert.Equal(t, []string{"a", "b", "b2", "c"}, names(w))
	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, "c", latest.Event["eventName"])
	assert.Equal(t, "a", w.At(0).Event["eventName"])
}

func TestWindow_Weights(t *testing.T) {
	w, err := New(time.Minute)
	require.NoError(t, err)

	w.Append(ev("a"), base, 3)
	w.Append(ev("b"), base.Add(30*time.Second), 2)
	assert.Equal(t, 5, w.Count())
	assert.Equal(t, 2, w.Len())

	w.Append(ev("c"), base.Add(time.Minute), 1)
	assert.Equal(t, 3, w.Count())
}

func TestWindow_EventsAndClear(t *testing.T) {
	w, err := New(time.Hour)
	require.NoError(t, err)

	for i, n := range []string{"a", "b", "c"} {
		w.Append(ev(n), base.Add(time.Duration(i)*time.Second), 1)
	}

	assert.Len(t, w.Events(0), 3)
	related := w.Events(1)
	require.Len(t, related, 2)
	assert.Equal(t, "a", related[0]["eventName"])
	assert.Equal(t, "b", related[1]["eventName"])
	assert.Empty(t, w.Events(5))

	w.Clear()
	assert.Zero(t, w.Len())
	assert.Zero(t, w.Count())
	assert.Empty(t, w.Events(0))
}
