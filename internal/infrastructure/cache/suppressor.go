package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// Suppressor enforces the per-rule realert period: after an alert for a
// partition, further alerts for it are held back until the period ends.
// State lives in Redis so that replicas share it.
type Suppressor struct {
	cache  Cache
	logger *zap.Logger
}

func NewSuppressor(c Cache, logger *zap.Logger) *Suppressor {
	return &Suppressor{cache: c, logger: logger.Named("suppressor")}
}

// RealertKey is the cache key guarding one rule and partition
func RealertKey(rule string, key event.PartitionKey) string {
	return RealertPrefix + rule + ":" + key.String()
}

// Suppress reports whether an alert for rule and partition falls inside
// the realert period. When it does not, the period starts now.
func (s *Suppressor) Suppress(ctx context.Context, rule string, key event.PartitionKey, realert time.Duration, at time.Time) (bool, error) {
	if realert <= 0 {
		return false, nil
	}

	claimed, remaining, err := s.cache.Claim(ctx, RealertKey(rule, key), at.UTC().Format(time.RFC3339Nano), realert)
	if err != nil {
		return false, fmt.Errorf("realert check for %s/%s: %w", rule, key, err)
	}
	if !claimed {
		s.logger.Debug("alert suppressed by realert",
			zap.String("rule", rule),
			zap.String("partition", key.String()),
			zap.Duration("remaining", remaining))
	}
	return !claimed, nil
}

// MatchIndex keeps the latest match of every rule
type MatchIndex struct {
	cache Cache
}

func NewMatchIndex(c Cache) *MatchIndex {
	return &MatchIndex{cache: c}
}

// Store remembers rec as the latest match of its rule
func (i *MatchIndex) Store(ctx context.Context, rec correlation.MatchRecord) error {
	return i.cache.PutJSON(ctx, LastMatchPrefix+rec.Rule, rec, LastMatchTTL)
}

// Latest returns the latest match of rule, or ok=false when none is known
func (i *MatchIndex) Latest(ctx context.Context, rule string) (rec correlation.MatchRecord, ok bool, err error) {
	err = i.cache.GetJSON(ctx, LastMatchPrefix+rule, &rec)
	var notFound ErrCacheKeyNotFound
	if errors.As(err, &notFound) {
		return correlation.MatchRecord{}, false, nil
	}
	if err != nil {
		return correlation.MatchRecord{}, false, err
	}
	return rec, true, nil
}
