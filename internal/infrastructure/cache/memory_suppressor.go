package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// sweepEvery bounds how often expired realert entries are pruned
const sweepEvery = time.Minute

// MemorySuppressor enforces realert periods in process memory. It serves a
// single instance running without Redis; state is lost on restart and is
// not shared between replicas.
type MemorySuppressor struct {
	mu        sync.Mutex
	until     map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
	logger    *zap.Logger
}

func NewMemorySuppressor(logger *zap.Logger) *MemorySuppressor {
	return &MemorySuppressor{
		until:  make(map[string]time.Time),
		now:    time.Now,
		logger: logger.Named("suppressor"),
	}
}

// Suppress reports whether an alert for rule and partition falls inside
// the realert period. When it does not, the period starts now.
func (s *MemorySuppressor) Suppress(_ context.Context, rule string, key event.PartitionKey, realert time.Duration, _ time.Time) (bool, error) {
	if realert <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	k := RealertKey(rule, key)
	if until, ok := s.until[k]; ok && now.Before(until) {
		s.logger.Debug("alert suppressed by realert",
			zap.String("rule", rule),
			zap.String("partition", key.String()),
			zap.Duration("realert", realert))
		return true, nil
	}
	s.until[k] = now.Add(realert)
	return false, nil
}

// Len returns how many realert periods are being tracked
func (s *MemorySuppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.until)
}

func (s *MemorySuppressor) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for k, until := range s.until {
		if !now.Before(until) {
			delete(s.until, k)
		}
	}
}
