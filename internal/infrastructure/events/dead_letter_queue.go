package events

import (
	"cmp"
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
)

// FailedDelivery is a match whose delivery failed. Target names the
// endpoint that failed when the sink reports one.
type FailedDelivery struct {
	ID        uuid.UUID
	Target    string
	Rule      *correlation.Rule
	Match     *correlation.MatchResult
	Reason    string
	Attempts  int
	FirstFail time.Time
	LastFail  time.Time
}

// DeadLetterStats summarizes the queue
type DeadLetterStats struct {
	CurrentSize  int   `json:"current_size"`
	MaxSize      int   `json:"max_size"`
	TotalAdded   int64 `json:"total_added"`
	TotalRetried int64 `json:"total_retried"`
	TotalRemoved int64 `json:"total_removed"`
}

// TargetedSink can deliver to one of its endpoints on its own
type TargetedSink interface {
	Sink
	DeliverTo(ctx context.Context, target string, rule *correlation.Rule, m *correlation.MatchResult) error
}

type deliveryKey struct {
	match  uuid.UUID
	target string
}

// DeadLetterQueue wraps a sink and keeps matches it failed to deliver, in
// memory and bounded by maxSize, so they can be redelivered later. When
// full the oldest failure is dropped. Failures reported per endpoint are
// queued and redelivered per endpoint. Failures marked not retryable are
// never queued.
type DeadLetterQueue struct {
	next    Sink
	logger  *zap.Logger
	maxSize int
	now     func() time.Time

	mu     sync.Mutex
	failed map[deliveryKey]*FailedDelivery

	totalAdded   int64
	totalRetried int64
	totalRemoved int64
}

// NewDeadLetterQueue creates a queue in front of next
func NewDeadLetterQueue(next Sink, maxSize int, logger *zap.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		next:    next,
		logger:  logger.Named("dead_letters"),
		maxSize: maxSize,
		now:     time.Now,
		failed:  make(map[deliveryKey]*FailedDelivery),
	}
}

// Deliver forwards m and queues it when delivery fails. The error is still returned.
func (q *DeadLetterQueue) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	err := q.next.Deliver(ctx, rule, m)
	if err != nil && q.maxSize > 0 {
		for _, f := range splitFailures(err) {
			q.record(rule, m, f.target, f.err)
		}
	}
	return err
}

type targetFailure struct {
	target string
	err    error
}

// splitFailures breaks a joined delivery error into per-endpoint failures
func splitFailures(err error) []targetFailure {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []targetFailure
		for _, e := range joined.Unwrap() {
			out = append(out, splitFailures(e)...)
		}
		return out
	}
	var de *DeliveryError
	if stderrors.As(err, &de) {
		return []targetFailure{{target: de.Target, err: de.Err}}
	}
	return []targetFailure{{err: err}}
}

// retryable treats unclassified errors as transient
func retryable(err error) bool {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// record queues a failure, or drops it when it cannot succeed on retry
func (q *DeadLetterQueue) record(rule *correlation.Rule, m *correlation.MatchResult, target string, err error) {
	if !retryable(err) {
		q.logger.Warn("Discarding delivery failure that cannot be retried",
			zap.Stringer("match_id", m.ID),
			zap.String("rule", rule.Name),
			zap.String("target", target),
			zap.Error(err))
		q.mu.Lock()
		if _, ok := q.failed[deliveryKey{m.ID, target}]; ok {
			delete(q.failed, deliveryKey{m.ID, target})
			q.totalRemoved++
		}
		q.mu.Unlock()
		return
	}
	q.add(rule, m, target, err.Error())
}

func (q *DeadLetterQueue) add(rule *correlation.Rule, m *correlation.MatchResult, target, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	key := deliveryKey{m.ID, target}
	if existing, ok := q.failed[key]; ok {
		existing.Attempts++
		existing.Reason = reason
		existing.LastFail = now
		q.logger.Debug("Updated failed delivery",
			zap.Stringer("match_id", m.ID),
			zap.String("target", target),
			zap.Int("attempts", existing.Attempts))
		return
	}

	if len(q.failed) >= q.maxSize {
		q.removeOldest()
	}
	q.failed[key] = &FailedDelivery{
		ID:        uuid.New(),
		Target:    target,
		Rule:      rule,
		Match:     m,
		Reason:    reason,
		Attempts:  1,
		FirstFail: now,
		LastFail:  now,
	}
	q.totalAdded++

	q.logger.Info("Added failed delivery to dead letter queue",
		zap.Stringer("match_id", m.ID),
		zap.String("rule", rule.Name),
		zap.String("target", target),
		zap.String("reason", reason))
}

// List returns queued failures, oldest first. A limit of zero returns all.
func (q *DeadLetterQueue) List(limit int) []FailedDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FailedDelivery, 0, len(q.failed))
	for _, f := range q.failed {
		out = append(out, *f)
	}
	slices.SortFunc(out, func(a, b FailedDelivery) int {
		return cmp.Or(
			a.FirstFail.Compare(b.FirstFail),
			cmp.Compare(a.Match.ID.String(), b.Match.ID.String()),
			cmp.Compare(a.Target, b.Target),
		)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Redeliver retries every queued failure, oldest first. A failure with a
// target is resent only to that target. Successful deliveries leave the
// queue. It returns how many succeeded.
func (q *DeadLetterQueue) Redeliver(ctx context.Context) int {
	targeted, _ := q.next.(TargetedSink)

	delivered := 0
	for _, f := range q.List(0) {
		if ctx.Err() != nil {
			break
		}

		var err error
		if f.Target != "" && targeted != nil {
			err = targeted.DeliverTo(ctx, f.Target, f.Rule, f.Match)
		} else {
			err = q.next.Deliver(ctx, f.Rule, f.Match)
		}
		if err != nil {
			for _, tf := range splitFailures(err) {
				q.record(f.Rule, f.Match, f.Target, tf.err)
			}
			continue
		}

		q.mu.Lock()
		delete(q.failed, deliveryKey{f.Match.ID, f.Target})
		q.totalRetried++
		q.mu.Unlock()
		delivered++

		q.logger.Info("Redelivered match from dead letter queue",
			zap.Stringer("match_id", f.Match.ID),
			zap.String("rule", f.Rule.Name),
			zap.String("target", f.Target),
			zap.Int("attempts", f.Attempts+1))
	}
	return delivered
}

// Remove drops a queued failure by its ID
func (q *DeadLetterQueue) Remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, f := range q.failed {
		if f.ID == id {
			delete(q.failed, key)
			q.totalRemoved++
			q.logger.Info("Removed failed delivery",
				zap.Stringer("id", id),
				zap.Stringer("match_id", f.Match.ID))
			return nil
		}
	}
	return errors.NewNotFoundError("failed delivery").WithDetails(map[string]any{"id": id.String()})
}

// Stats returns queue statistics
func (q *DeadLetterQueue) Stats() DeadLetterStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return DeadLetterStats{
		CurrentSize:  len(q.failed),
		MaxSize:      q.maxSize,
		TotalAdded:   q.totalAdded,
		TotalRetried: q.totalRetried,
		TotalRemoved: q.totalRemoved,
	}
}

// Cleanup drops failures first seen more than maxAge ago
func (q *DeadLetterQueue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for key, f := range q.failed {
		if f.FirstFail.Before(cutoff) {
			delete(q.failed, key)
			removed++
		}
	}
	q.totalRemoved += int64(removed)

	if removed > 0 {
		q.logger.Info("Cleaned up old dead letter entries",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed
}

func (q *DeadLetterQueue) removeOldest() {
	var (
		oldestKey  deliveryKey
		oldestTime time.Time
	)
	for key, f := range q.failed {
		if oldestTime.IsZero() || f.FirstFail.Before(oldestTime) {
			oldestKey = key
			oldestTime = f.FirstFail
		}
	}
	delete(q.failed, oldestKey)
	q.totalRemoved++

	q.logger.Debug("Removed oldest dead letter to make space",
		zap.Stringer("match_id", oldestKey.match),
		zap.String("target", oldestKey.target))
}
