package runner

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domain "github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/service/correlation"
	"github.com/davidleathers/sequence-correlator/internal/testutil"
	"github.com/davidleathers/sequence-correlator/internal/testutil/fixtures"
)

var testConfig = Config{RunEvery: time.Minute, GCEvery: time.Minute}

func mockIngester(name string) *MockIngester {
	return &MockIngester{rule: &domain.Rule{Name: name}}
}

func TestNew(t *testing.T) {
	ing := []correlation.Ingester{mockIngester("a")}

	_, err := New(nil, ing, testConfig, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = New(&sliceSource{}, nil, testConfig, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = New(&sliceSource{}, ing, Config{RunEvery: time.Minute}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	r, err := New(&sliceSource{}, ing, testConfig, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestRunner_TickFeedsEveryEngine(t *testing.T) {
	batch := fixtures.Sequence("StopInstances", "StartInstances")
	a, b := mockIngester("a"), mockIngester("b")
	a.On("AddData", mock.Anything, batch).Return(nil).Once()
	b.On("AddData", mock.Anything, batch).Return(stderrors.New("webhook down")).Once()

	hooks := &recordingHooks{}
	r, err := New(&sliceSource{batches: [][]event.Event{batch}}, []correlation.Ingester{a, b},
		testConfig, zaptest.NewLogger(t), WithHooks(hooks))
	require.NoError(t, err)

	err = r.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule b: webhook down")
	assert.NotContains(t, err.Error(), "rule a")
	assert.Equal(t, []int{2}, hooks.batches)

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestRunner_TickEmptyBatch(t *testing.T) {
	a := mockIngester("a")
	r, err := New(&sliceSource{}, []correlation.Ingester{a}, testConfig, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Tick(context.Background()))
	a.AssertNotCalled(t, "AddData", mock.Anything, mock.Anything)
}

func TestRunner_TickFetchError(t *testing.T) {
	hooks := &recordingHooks{}
	r, err := New(&sliceSource{err: stderrors.New("queue unavailable")},
		[]correlation.Ingester{mockIngester("a")}, testConfig, zaptest.NewLogger(t), WithHooks(hooks))
	require.NoError(t, err)

	err = r.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetching events")
	assert.Equal(t, 1, hooks.failures)
	assert.Empty(t, hooks.batches)
}

func TestRunner_CollectUsesClock(t *testing.T) {
	clock := NewMockClock(fixtures.BaseTime.Add(2 * time.Hour))
	a, b := mockIngester("a"), mockIngester("b")
	a.On("GarbageCollect", mock.Anything, clock.Now()).Return(2).Once()
	b.On("GarbageCollect", mock.Anything, clock.Now()).Return(1).Once()

	rd := new(MockRedeliverer)
	rd.On("Redeliver", mock.Anything).Return(1).Once()

	r, err := New(&sliceSource{}, []correlation.Ingester{a, b}, testConfig, zaptest.NewLogger(t),
		WithClock(clock), WithRedeliverer(rd))
	require.NoError(t, err)

	assert.Equal(t, 3, r.Collect(context.Background()))
	a.AssertExpectations(t)
	b.AssertExpectations(t)
	rd.AssertExpectations(t)
}

func TestRunner_CollectExpiresDeadLetters(t *testing.T) {
	a := mockIngester("a")
	a.On("GarbageCollect", mock.Anything, mock.Anything).Return(0).Once()

	rd := new(MockRedeliverer)
	rd.On("Cleanup", 24*time.Hour).Return(2).Once()
	rd.On("Redeliver", mock.Anything).Return(0).Once()

	cfg := testConfig
	cfg.DeadLetterMaxAge = 24 * time.Hour
	r, err := New(&sliceSource{}, []correlation.Ingester{a}, cfg, zaptest.NewLogger(t), WithRedeliverer(rd))
	require.NoError(t, err)

	assert.Zero(t, r.Collect(context.Background()))
	rd.AssertExpectations(t)
}

func TestRunner_RunOnceFlushesHeldEvents(t *testing.T) {
	events := fixtures.Sequence("StopInstances", "StartInstances")
	a := mockIngester("a")
	a.On("AddData", mock.Anything, events[:1]).Return(nil).Once()
	a.On("AddData", mock.Anything, events[1:]).Return(nil).Once()
	a.On("GarbageCollect", mock.Anything, mock.Anything).Return(0).Once()

	src := &flushingSource{
		sliceSource: sliceSource{batches: [][]event.Event{events[:1]}},
		held:        events[1:],
	}
	r, err := New(src, []correlation.Ingester{a}, testConfig, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, src.flushes)
	a.AssertExpectations(t)
}

func TestRunner_RunOnceWithEngine(t *testing.T) {
	positions := make([]domain.PositionSpec, 0, 3)
	for i, name := range []string{"StopInstances", "ModifyInstanceAttribute", "StartInstances"} {
		m, err := domain.NewExactMatch("eventName", name)
		require.NoError(t, err)
		positions = append(positions, domain.PositionSpec{Position: i + 1, Matcher: m})
	}
	rule, err := domain.NewRule("ec2-tamper", 2, time.Hour, positions)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		matches []*domain.MatchResult
	)
	sink := correlation.SinkFunc(func(_ context.Context, _ *domain.Rule, m *domain.MatchResult) error {
		mu.Lock()
		defer mu.Unlock()
		matches = append(matches, m)
		return nil
	})
	engine, err := correlation.NewEngine(rule, sink, zaptest.NewLogger(t))
	require.NoError(t, err)

	events := fixtures.InstanceTamperEvents()
	src := &sliceSource{batches: [][]event.Event{events[:3], events[3:]}}
	hooks := &recordingHooks{}
	r, err := New(src, []correlation.Ingester{engine}, testConfig, zaptest.NewLogger(t),
		WithClock(NewMockClock(fixtures.BaseTime)), WithHooks(hooks))
	require.NoError(t, err)

	require.NoError(t, r.RunOnce(testutil.TestContext(t)))

	assert.Len(t, matches, 1)
	assert.Equal(t, 3, src.Fetches())
	assert.Equal(t, []int{3, 3, 0}, hooks.batches)
	assert.Zero(t, engine.ActivePartitions(), "matched partition is removed")
}

func TestRunner_RunUntilCancelled(t *testing.T) {
	src := &sliceSource{}
	a := mockIngester("a")
	a.On("GarbageCollect", mock.Anything, mock.Anything).Return(0)

	r, err := New(src, []correlation.Ingester{a}, Config{RunEvery: 5 * time.Millisecond, GCEvery: 5 * time.Millisecond},
		zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return src.Fetches() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
