package correlation

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/metrics"
	"github.com/davidleathers/sequence-correlator/internal/testutil"
	"github.com/davidleathers/sequence-correlator/internal/testutil/fixtures"
)

func exactRule(t *testing.T, numEvents int, names []string, opts ...correlation.RuleOption) *correlation.Rule {
	t.Helper()
	positions := make([]correlation.PositionSpec, 0, len(names))
	for i, name := range names {
		m, err := correlation.NewExactMatch("eventName", name)
		require.NoError(t, err)
		positions = append(positions, correlation.PositionSpec{Position: i + 1, Matcher: m})
	}
	r, err := correlation.NewRule("test-rule", numEvents, time.Hour, positions, opts...)
	require.NoError(t, err)
	return r
}

func newTestEngine(t *testing.T, rule *correlation.Rule, sink Sink, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(rule, sink, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func eventNames(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		name, _ := ev["eventName"].(string)
		out = append(out, name)
	}
	return out
}

func TestNewEngine(t *testing.T) {
	rule := exactRule(t, 1, []string{"StopInstances"})

	_, err := NewEngine(nil, newAcceptingSink(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = NewEngine(rule, nil, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	e, err := NewEngine(rule, newAcceptingSink(), nil)
	require.NoError(t, err)
	assert.Same(t, rule, e.Rule())
	assert.Zero(t, e.ActivePartitions())
}

func TestEngine_AddData_InstanceTamperSequence(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 2, []string{"StopInstances", "ModifyInstanceAttribute", "StartInstances"})
	e := newTestEngine(t, rule, sink)

	events := fixtures.InstanceTamperEvents()
	require.NoError(t, e.AddData(ctx, events))

	matches := sink.Matches()
	require.Len(t, matches, 1)
	m := matches[0]

	assert.Equal(t, "test-rule", m.Rule)
	assert.Equal(t, event.AllPartition, m.PartitionKey)
	assert.Equal(t, 2, m.NumSequences)
	assert.Equal(t, "StartInstances", m.Event["eventName"])
	assert.True(t, fixtures.BaseTime.Add(5*time.Second).Equal(m.MatchedAt))
	assert.Equal(t, []string{
		"StopInstances",
		"ModifyInstanceAttribute",
		"StopInstances",
		"StartInstances",
		"ModifyInstanceAttribute",
	}, eventNames(m.RelatedEvents))

	_, ok := e.PartitionEvents(event.AllPartition)
	assert.False(t, ok, "matched partition is removed")
	assert.Zero(t, e.ActivePartitions())

	for _, ev := range events {
		assert.NotContains(t, ev, event.RelatedEventsField, "input events are not modified")
	}
	sink.AssertNumberOfCalls(t, "Deliver", 1)
}

func TestEngine_AddData_IncrementalAcrossBatches(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 2, []string{"StopInstances", "ModifyInstanceAttribute", "StartInstances"})
	e := newTestEngine(t, rule, sink)

	events := fixtures.InstanceTamperEvents()
	for _, ev := range events {
		require.NoError(t, e.AddData(ctx, []event.Event{ev}))
	}

	require.Len(t, sink.Matches(), 1)
	assert.Len(t, sink.Matches()[0].RelatedEvents, 5)
}

func TestEngine_Evaluate_Idempotent(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 2, []string{"StopInstances", "StartInstances"})
	e := newTestEngine(t, rule, sink)

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances", "StopInstances")))
	before, ok := e.PartitionEvents(event.AllPartition)
	require.True(t, ok)
	require.Len(t, before, 3)

	for range 3 {
		matched, err := e.Evaluate(ctx, event.AllPartition, false)
		require.NoError(t, err)
		assert.False(t, matched)
	}

	after, _ := e.PartitionEvents(event.AllPartition)
	assert.Equal(t, before, after)
	assert.Empty(t, sink.Matches())
}

func TestEngine_Evaluate_UnknownPartition(t *testing.T) {
	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances"}), newAcceptingSink())

	matched, err := e.Evaluate(context.Background(), "nope", true)
	assert.False(t, matched)
	assert.ErrorIs(t, err, ErrWindowNotFound)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestEngine_Evaluate_BelowPositionCount(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"}), sink)

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances")))
	matched, err := e.Evaluate(ctx, event.AllPartition, true)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestEngine_AddData_MidBatchClear(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"}), sink)

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances", "StartInstances")))

	matches := sink.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"StopInstances"}, eventNames(matches[0].RelatedEvents))

	buffered, ok := e.PartitionEvents(event.AllPartition)
	require.True(t, ok)
	assert.Equal(t, []string{"StartInstances"}, eventNames(buffered))
}

func TestEngine_AddData_PartitionIsolation(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 1, []string{"StopInstances", "StartInstances"},
		correlation.WithQueryKey("requestParameters.instanceId"))
	e := newTestEngine(t, rule, sink)

	batch := []event.Event{
		fixtures.NewEventBuilder("StopInstances").Instance("i-1").Offset(0).Build(),
		fixtures.NewEventBuilder("StartInstances").Instance("i-2").Offset(time.Second).Build(),
	}
	require.NoError(t, e.AddData(ctx, batch))
	assert.Empty(t, sink.Matches())
	assert.Equal(t, []event.PartitionKey{"i-1", "i-2"}, e.Partitions())

	require.NoError(t, e.AddData(ctx, []event.Event{
		fixtures.NewEventBuilder("StartInstances").Instance("i-1").Offset(2 * time.Second).Build(),
	}))
	matches := sink.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, event.PartitionKey("i-1"), matches[0].PartitionKey)

	other, ok := e.PartitionEvents("i-2")
	require.True(t, ok)
	assert.Len(t, other, 1)
}

func TestEngine_AddData_MissingPartitionField(t *testing.T) {
	ctx := testutil.TestContext(t)
	rule := exactRule(t, 1, []string{"StopInstances"}, correlation.WithQueryKey("requestParameters.instanceId"))
	e := newTestEngine(t, rule, newAcceptingSink())

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("ConsoleLogin")))
	assert.Equal(t, []event.PartitionKey{event.MissingPartition}, e.Partitions())
}

func TestEngine_AddData_AttachRelatedDisabled(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 1, []string{"StopInstances", "StartInstances"}, correlation.WithAttachRelated(false))
	e := newTestEngine(t, rule, sink)

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances")))
	require.Len(t, sink.Matches(), 1)
	assert.Nil(t, sink.Matches()[0].RelatedEvents)
}

func TestEngine_AddData_AggregationPosition(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()

	q, err := correlation.CompileQuery("eventName:ConsoleLogin")
	require.NoError(t, err)
	agg, err := correlation.NewAggregationMatch(q, correlation.AggregationCardinality, "sourceIPAddress", 2)
	require.NoError(t, err)
	key, err := correlation.NewExactMatch("eventName", "CreateAccessKey")
	require.NoError(t, err)

	rule, err := correlation.NewRule("login-then-key", 1, time.Hour, []correlation.PositionSpec{
		{Position: 2, Matcher: key},
		{Position: 1, Matcher: agg},
	})
	require.NoError(t, err)
	e := newTestEngine(t, rule, sink)

	batch := []event.Event{
		fixtures.NewEventBuilder("ConsoleLogin").SourceIP("10.0.0.1").Offset(0).Build(),
		fixtures.NewEventBuilder("ConsoleLogin").SourceIP("10.0.0.1").Offset(time.Second).Build(),
		fixtures.NewEventBuilder("CreateAccessKey").Offset(2 * time.Second).Build(),
	}
	require.NoError(t, e.AddData(ctx, batch))
	assert.Empty(t, sink.Matches(), "one distinct address is below the threshold")

	require.NoError(t, e.AddData(ctx, []event.Event{
		fixtures.NewEventBuilder("ConsoleLogin").SourceIP("10.0.0.2").Offset(3 * time.Second).Build(),
		fixtures.NewEventBuilder("CreateAccessKey").Offset(4 * time.Second).Build(),
	}))
	require.Len(t, sink.Matches(), 1)
	assert.Equal(t, "CreateAccessKey", sink.Matches()[0].Event["eventName"])
}

func TestEngine_AddData_SkipsEventsWithoutTimestamp(t *testing.T) {
	ctx := testutil.TestContext(t)
	core, logs := observer.New(zap.WarnLevel)
	reader := testutil.NewMetricReader(t)
	reg, err := metrics.NewRegistryWithMeter(reader.Provider.Meter("test"))
	require.NoError(t, err)

	e, err := NewEngine(exactRule(t, 1, []string{"StopInstances"}), newAcceptingSink(), zap.New(core), WithMetrics(reg))
	require.NoError(t, err)

	batch := []event.Event{
		fixtures.NewEventBuilder("StopInstances").Without("@timestamp").Build(),
		fixtures.NewEventBuilder("StopInstances").With("@timestamp", "yesterday").Build(),
	}
	require.NoError(t, e.AddData(ctx, batch))

	assert.Zero(t, e.ActivePartitions())
	assert.Equal(t, 2, logs.FilterMessage("Skipping event without usable timestamp").Len())
	assert.Equal(t, int64(2), reader.Int64Value(t, "correlator.events.skipped",
		attribute.String("rule", "test-rule"), attribute.String("reason", "timestamp")))
}

func TestEngine_AddData_CustomTimestampField(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	rule := exactRule(t, 1, []string{"StopInstances", "StartInstances"}, correlation.WithTimestampField("eventTime"))
	e := newTestEngine(t, rule, sink)

	require.NoError(t, e.AddData(ctx, []event.Event{
		{"eventName": "StopInstances", "eventTime": "2024-03-01T10:00:00Z"},
		{"eventName": "StartInstances", "eventTime": "2024-03-01T10:00:05Z"},
	}))
	require.Len(t, sink.Matches(), 1)
	assert.True(t, fixtures.BaseTime.Add(5*time.Second).Equal(sink.Matches()[0].MatchedAt))
}

func TestEngine_AddData_SinkErrorsAreJoined(t *testing.T) {
	ctx := testutil.TestContext(t)
	sinkErr := stderrors.New("webhook unavailable")
	sink := &MockSink{}
	sink.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(sinkErr)

	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"}), sink)

	err := e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances", "StopInstances", "StartInstances"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sinkErr)
	sink.AssertNumberOfCalls(t, "Deliver", 2)

	_, ok := e.PartitionEvents(event.AllPartition)
	assert.False(t, ok, "partition is removed even when delivery fails")
}

func TestEngine_GarbageCollect_Boundary(t *testing.T) {
	ctx := testutil.TestContext(t)
	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"},
		correlation.WithQueryKey("requestParameters.instanceId")), newAcceptingSink())

	t0 := fixtures.BaseTime
	require.NoError(t, e.AddData(ctx, []event.Event{
		fixtures.NewEventBuilder("StopInstances").Instance("i-1").At(t0).Build(),
		fixtures.NewEventBuilder("StopInstances").Instance("i-2").At(t0.Add(30 * time.Minute)).Build(),
	}))
	require.Equal(t, 2, e.ActivePartitions())

	assert.Zero(t, e.GarbageCollect(ctx, t0.Add(time.Hour-time.Millisecond)))
	assert.Zero(t, e.GarbageCollect(ctx, t0.Add(time.Hour)), "exactly one timeframe old is retained")
	assert.Equal(t, 2, e.ActivePartitions())

	assert.Equal(t, 1, e.GarbageCollect(ctx, t0.Add(time.Hour+time.Millisecond)))
	assert.Equal(t, []event.PartitionKey{"i-2"}, e.Partitions())

	_, err := e.Evaluate(ctx, "i-1", false)
	assert.ErrorIs(t, err, ErrWindowNotFound)
}

func TestEngine_MatchRemovesPartition(t *testing.T) {
	ctx := testutil.TestContext(t)
	sink := newAcceptingSink()
	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"}), sink)

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances")))
	require.Len(t, sink.Matches(), 1)
	assert.Zero(t, e.ActivePartitions())
	assert.Empty(t, e.Partitions())

	_, err := e.Evaluate(ctx, event.AllPartition, true)
	assert.ErrorIs(t, err, ErrWindowNotFound)
	assert.Zero(t, e.GarbageCollect(ctx, fixtures.BaseTime))

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances")))
	assert.Equal(t, 1, e.ActivePartitions(), "next event starts a fresh window")
}

func TestEngine_Metrics(t *testing.T) {
	ctx := testutil.TestContext(t)
	reader := testutil.NewMetricReader(t)
	reg, err := metrics.NewRegistryWithMeter(reader.Provider.Meter("test"))
	require.NoError(t, err)

	rule := exactRule(t, 2, []string{"StopInstances", "ModifyInstanceAttribute", "StartInstances"})
	e := newTestEngine(t, rule, newAcceptingSink(), WithMetrics(reg))

	require.NoError(t, e.AddData(ctx, fixtures.InstanceTamperEvents()))

	ruleAttr := attribute.String("rule", "test-rule")
	assert.Equal(t, int64(6), reader.Int64Value(t, "correlator.events.ingested", ruleAttr))
	assert.Equal(t, int64(1), reader.Int64Value(t, "correlator.matches.emitted", ruleAttr))
	assert.Equal(t, int64(0), reader.Int64Value(t, "correlator.partitions.active", ruleAttr))
	// evaluations run from the third append onwards
	assert.Equal(t, uint64(4), reader.HistogramCount(t, "correlator.sequences.counted"))

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances")))
	assert.Equal(t, int64(1), reader.Int64Value(t, "correlator.partitions.active", ruleAttr))

	e.GarbageCollect(ctx, fixtures.BaseTime.Add(2*time.Hour))
	assert.Equal(t, int64(1), reader.Int64Value(t, "correlator.partitions.collected", ruleAttr))
	assert.Equal(t, int64(0), reader.Int64Value(t, "correlator.partitions.active", ruleAttr))
}

func TestEngine_Tracing(t *testing.T) {
	ctx := testutil.TestContext(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := newTestEngine(t, exactRule(t, 1, []string{"StopInstances", "StartInstances"}),
		newAcceptingSink(), WithTracer(tp.Tracer("test")))

	require.NoError(t, e.AddData(ctx, fixtures.Sequence("StopInstances", "StartInstances")))
	e.GarbageCollect(ctx, fixtures.BaseTime)

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Name() == "correlation.Evaluate" {
			require.Len(t, s.Events(), 1)
			assert.Equal(t, "match.emitted", s.Events()[0].Name)
		}
	}
	assert.Equal(t, 1, names["correlation.AddData"])
	assert.Equal(t, 1, names["correlation.Evaluate"])
	assert.Equal(t, 1, names["correlation.GarbageCollect"])
}
