package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

var matchedAt = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func testRule(t *testing.T, opts ...correlation.RuleOption) *correlation.Rule {
	t.Helper()
	m, err := correlation.NewExactMatch("eventName", "StopInstances")
	require.NoError(t, err)
	r, err := correlation.NewRule("ec2-tamper", 1, 30*time.Minute,
		[]correlation.PositionSpec{{Position: 1, Matcher: m}}, opts...)
	require.NoError(t, err)
	return r
}

func testMatch(key event.PartitionKey) *correlation.MatchResult {
	return correlation.NewMatchResult("ec2-tamper", key, 1, matchedAt,
		event.Event{"eventName": "StopInstances"},
		[]event.Event{{"eventName": "ModifyInstanceAttribute"}})
}

// MockSink is a mock implementation of Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Deliver(ctx context.Context, rule *correlation.Rule, match *correlation.MatchResult) error {
	args := m.Called(ctx, rule, match)
	return args.Error(0)
}

// MockSuppressor is a mock implementation of Suppressor
type MockSuppressor struct {
	mock.Mock
}

func (m *MockSuppressor) Suppress(ctx context.Context, rule string, key event.PartitionKey, realert time.Duration, at time.Time) (bool, error) {
	args := m.Called(ctx, rule, key, realert, at)
	return args.Bool(0), args.Error(1)
}

// recordingStore implements MatchSaver, LatestMatchStore and Broadcaster
type recordingStore struct {
	mu      sync.Mutex
	records []correlation.MatchRecord
	err     error
}

func (s *recordingStore) Save(_ context.Context, rec correlation.MatchRecord) error {
	return s.keep(rec)
}

func (s *recordingStore) Store(_ context.Context, rec correlation.MatchRecord) error {
	return s.keep(rec)
}

func (s *recordingStore) Broadcast(rec correlation.MatchRecord) int {
	_ = s.keep(rec)
	return 1
}

func (s *recordingStore) keep(rec correlation.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}
