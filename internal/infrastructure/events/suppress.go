package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// Suppressor decides whether an alert falls inside a realert period
type Suppressor interface {
	Suppress(ctx context.Context, rule string, key event.PartitionKey, realert time.Duration, at time.Time) (bool, error)
}

// SuppressingSink drops matches of a partition that already alerted within
// the rule's realert period. Rules without realert pass straight through.
// When the suppression store fails the match is delivered anyway.
type SuppressingSink struct {
	next       Sink
	suppressor Suppressor
	logger     *zap.Logger
}

func NewSuppressingSink(next Sink, suppressor Suppressor, logger *zap.Logger) *SuppressingSink {
	return &SuppressingSink{
		next:       next,
		suppressor: suppressor,
		logger:     logger.Named("realert"),
	}
}

func (s *SuppressingSink) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	if rule.Realert <= 0 {
		return s.next.Deliver(ctx, rule, m)
	}

	suppressed, err := s.suppressor.Suppress(ctx, rule.Name, m.PartitionKey, rule.Realert, m.MatchedAt)
	if err != nil {
		s.logger.Warn("Realert check failed, delivering match",
			zap.String("rule", rule.Name),
			zap.String("partition", m.PartitionKey.String()),
			zap.Error(err))
		return s.next.Deliver(ctx, rule, m)
	}
	if suppressed {
		s.logger.Info("Match suppressed by realert",
			zap.String("rule", rule.Name),
			zap.String("partition", m.PartitionKey.String()),
			zap.Stringer("match_id", m.ID),
			zap.Duration("realert", rule.Realert))
		return nil
	}
	return s.next.Deliver(ctx, rule, m)
}
