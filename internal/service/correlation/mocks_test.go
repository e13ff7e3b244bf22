package correlation

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
)

// MockSink is a mock implementation of Sink that also keeps every match
type MockSink struct {
	mock.Mock

	mu      sync.Mutex
	matches []*correlation.MatchResult
}

func (m *MockSink) Deliver(ctx context.Context, rule *correlation.Rule, match *correlation.MatchResult) error {
	m.mu.Lock()
	m.matches = append(m.matches, match)
	m.mu.Unlock()

	args := m.Called(ctx, rule, match)
	return args.Error(0)
}

func (m *MockSink) Matches() []*correlation.MatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*correlation.MatchResult(nil), m.matches...)
}

func newAcceptingSink() *MockSink {
	s := &MockSink{}
	s.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return s
}
