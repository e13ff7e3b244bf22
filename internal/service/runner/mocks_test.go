package runner

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	domain "github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// MockIngester is a mock implementation of correlation.Ingester
type MockIngester struct {
	mock.Mock
	rule *domain.Rule
}

func (m *MockIngester) Rule() *domain.Rule {
	return m.rule
}

func (m *MockIngester) AddData(ctx context.Context, events []event.Event) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *MockIngester) GarbageCollect(ctx context.Context, now time.Time) int {
	args := m.Called(ctx, now)
	return args.Int(0)
}

// MockRedeliverer is a mock implementation of Redeliverer
type MockRedeliverer struct {
	mock.Mock
}

func (m *MockRedeliverer) Redeliver(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

func (m *MockRedeliverer) Cleanup(maxAge time.Duration) int {
	args := m.Called(maxAge)
	return args.Int(0)
}

// flushingSource holds its last event back until Flush
type flushingSource struct {
	sliceSource
	held    []event.Event
	flushes int
}

func (s *flushingSource) Flush(context.Context) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	held := s.held
	s.held = nil
	return held, nil
}

// sliceSource returns one queued batch per Fetch, then empty batches
type sliceSource struct {
	mu      sync.Mutex
	batches [][]event.Event
	err     error
	fetches int
}

func (s *sliceSource) Fetch(context.Context) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *sliceSource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type recordingHooks struct {
	mu       sync.Mutex
	batches  []int
	failures int
}

func (h *recordingHooks) ObserveTick(n int, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, n)
}

func (h *recordingHooks) FetchFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}
