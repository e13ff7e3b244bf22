package rest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/database"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/events"
)

// MockMatchLister is a mock implementation of MatchLister
type MockMatchLister struct {
	mock.Mock
}

func (m *MockMatchLister) ListByRule(ctx context.Context, rule string, filter database.ListFilter) ([]correlation.MatchRecord, error) {
	args := m.Called(ctx, rule, filter)
	if recs := args.Get(0); recs != nil {
		return recs.([]correlation.MatchRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockLastMatchReader is a mock implementation of LastMatchReader
type MockLastMatchReader struct {
	mock.Mock
}

func (m *MockLastMatchReader) Latest(ctx context.Context, rule string) (correlation.MatchRecord, bool, error) {
	args := m.Called(ctx, rule)
	return args.Get(0).(correlation.MatchRecord), args.Bool(1), args.Error(2)
}

// MockDeadLetterReader is a mock implementation of DeadLetterReader
type MockDeadLetterReader struct {
	mock.Mock
}

func (m *MockDeadLetterReader) List(limit int) []events.FailedDelivery {
	args := m.Called(limit)
	return args.Get(0).([]events.FailedDelivery)
}

func (m *MockDeadLetterReader) Stats() events.DeadLetterStats {
	args := m.Called()
	return args.Get(0).(events.DeadLetterStats)
}

func (m *MockDeadLetterReader) Remove(id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}

type fakeEngine struct {
	rule   *correlation.Rule
	active int
}

func (e *fakeEngine) Rule() *correlation.Rule { return e.rule }
func (e *fakeEngine) ActivePartitions() int   { return e.active }

func testRule(t *testing.T, name string, opts ...correlation.RuleOption) *correlation.Rule {
	t.Helper()
	stop, err := correlation.NewExactMatch("eventName", "StopInstances")
	require.NoError(t, err)
	start, err := correlation.NewExactMatch("eventName", "StartInstances")
	require.NoError(t, err)

	rule, err := correlation.NewRule(name, 2, 30*time.Minute, []correlation.PositionSpec{
		{Position: 2, Matcher: start},
		{Position: 1, Matcher: stop},
	}, opts...)
	require.NoError(t, err)
	return rule
}
