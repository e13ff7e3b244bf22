package correlation

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/domain/window"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
	"github.com/davidleathers/sequence-correlator/internal/metrics"
)

// ErrWindowNotFound is returned when evaluating a partition that holds no window
var ErrWindowNotFound = &errors.AppError{
	Type:       errors.ErrorTypeNotFound,
	Code:       "WINDOW_NOT_FOUND",
	Message:    "partition window not found",
	StatusCode: 404,
}

const skipReasonTimestamp = "timestamp"

// Engine runs one correlation rule over a stream of event batches.
// It owns one window per partition key. Batches are processed strictly in
// arrival order and every append is followed by an evaluation of the
// touched partition, so a match mid-batch clears that partition before
// later events of the same batch are seen.
type Engine struct {
	rule    *correlation.Rule
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	mu         sync.Mutex
	partitions map[event.PartitionKey]*window.Window
}

// Option customizes an Engine
type Option func(*Engine)

// WithMetrics records engine activity on reg
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// WithTracer replaces the global tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// NewEngine creates an engine for rule delivering matches to sink
func NewEngine(rule *correlation.Rule, sink Sink, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if rule == nil {
		return nil, errors.NewValidationError("MISSING_RULE", "engine requires a rule")
	}
	if sink == nil {
		return nil, errors.NewValidationError("MISSING_SINK", "engine requires a sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		rule:       rule,
		sink:       sink,
		logger:     logger.Named("engine").With(zap.String("rule", rule.Name)),
		tracer:     otel.Tracer("correlation.engine"),
		partitions: make(map[event.PartitionKey]*window.Window),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Rule returns the rule this engine evaluates
func (e *Engine) Rule() *correlation.Rule {
	return e.rule
}

// AddData appends every event of the batch to its partition window and
// evaluates that partition after each append. Events without a usable
// timestamp are skipped. Delivery failures do not stop the batch; they are
// joined into the returned error.
func (e *Engine) AddData(ctx context.Context, events []event.Event) error {
	ctx, span := e.tracer.Start(ctx, "correlation.AddData",
		trace.WithAttributes(
			attribute.String("rule", e.rule.Name),
			attribute.Int("batch.size", len(events)),
		))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		errs     []error
		ingested int
		lastKey  event.PartitionKey
		seen     bool
	)
	for _, ev := range events {
		ts, err := ev.Timestamp(e.rule.TimestampField)
		if err != nil {
			e.logger.Warn("Skipping event without usable timestamp",
				zap.String("timestamp_field", e.rule.TimestampField.String()),
				zap.Error(err))
			e.metrics.RecordSkipped(ctx, e.rule.Name, skipReasonTimestamp)
			continue
		}

		key := event.KeyFor(ev, e.rule.QueryKey)
		w, err := e.windowFor(key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "window creation failed")
			return err
		}
		w.Append(ev, ts, 1)
		ingested++
		lastKey, seen = key, true

		if _, err := e.evaluate(ctx, key, false); err != nil {
			errs = append(errs, err)
		}
	}

	// A match on the last event already removed its partition.
	if _, ok := e.partitions[lastKey]; seen && ok {
		if _, err := e.evaluate(ctx, lastKey, true); err != nil {
			errs = append(errs, err)
		}
	}

	e.metrics.RecordIngested(ctx, e.rule.Name, ingested)
	e.metrics.SetActivePartitions(e.rule.Name, len(e.partitions))
	span.SetAttributes(attribute.Int("events.ingested", ingested))

	err := stderrors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "match delivery failed")
	}
	return err
}

// Evaluate checks the partition for complete sequences and emits a match
// when enough are present. endOfBatch marks the final call of a batch and
// does not change the outcome.
func (e *Engine) Evaluate(ctx context.Context, key event.PartitionKey, endOfBatch bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluate(ctx, key, endOfBatch)
}

func (e *Engine) evaluate(ctx context.Context, key event.PartitionKey, endOfBatch bool) (bool, error) {
	w, ok := e.partitions[key]
	if !ok {
		return false, ErrWindowNotFound.WithDetails(map[string]any{
			"rule":      e.rule.Name,
			"partition": key.String(),
		})
	}
	if w.Count() < len(e.rule.Positions) {
		return false, nil
	}

	ctx, span := e.tracer.Start(ctx, "correlation.Evaluate",
		trace.WithAttributes(
			attribute.String("rule", e.rule.Name),
			attribute.String("partition", key.String()),
			attribute.Int("window.size", w.Len()),
			attribute.Bool("end_of_batch", endOfBatch),
		))
	defer span.End()

	start := time.Now()
	lists := make([][]int, len(e.rule.Positions))
	for i, p := range e.rule.Positions {
		lists[i] = p.Matcher.Indices(w)
	}
	sequences := correlation.CountSequences(lists)
	matched := sequences >= e.rule.NumEvents

	e.metrics.RecordEvaluation(ctx, e.rule.Name, sequences,
		float64(time.Since(start).Microseconds())/1000, matched)
	span.SetAttributes(
		attribute.Int("sequences", sequences),
		attribute.Bool("matched", matched),
	)
	if !matched {
		return false, nil
	}

	latest, _ := w.Latest()
	var related []event.Event
	if e.rule.AttachRelated {
		related = w.Events(1)
	}
	m := correlation.NewMatchResult(e.rule.Name, key, sequences, latest.Timestamp, latest.Event, related)
	w.Clear()
	delete(e.partitions, key)
	e.metrics.SetActivePartitions(e.rule.Name, len(e.partitions))

	telemetry.AddEvent(span, "match.emitted",
		attribute.String("match.id", m.ID.String()),
		attribute.Int("related_events", len(related)))
	logger := telemetry.WithTrace(ctx, e.logger)
	logger.Info("Correlation match",
		zap.String("partition", key.String()),
		zap.Int("sequences", sequences),
		zap.Time("matched_at", m.MatchedAt),
		zap.Stringer("match_id", m.ID))

	if err := e.sink.Deliver(ctx, e.rule, m); err != nil {
		logger.Error("Match delivery failed",
			zap.String("partition", key.String()),
			zap.Stringer("match_id", m.ID),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return true, fmt.Errorf("delivering match %s for partition %s: %w", m.ID, key, err)
	}
	return true, nil
}

// GarbageCollect drops every partition whose newest event is more than one
// timeframe older than now. It returns the number of partitions removed.
func (e *Engine) GarbageCollect(ctx context.Context, now time.Time) int {
	ctx, span := e.tracer.Start(ctx, "correlation.GarbageCollect",
		trace.WithAttributes(attribute.String("rule", e.rule.Name)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, w := range e.partitions {
		latest, ok := w.Latest()
		if ok && now.Sub(latest.Timestamp) <= e.rule.Timeframe {
			continue
		}
		delete(e.partitions, key)
		removed++
		e.logger.Debug("Collected idle partition", zap.String("partition", key.String()))
	}

	e.metrics.RecordCollected(ctx, e.rule.Name, removed)
	e.metrics.SetActivePartitions(e.rule.Name, len(e.partitions))
	span.SetAttributes(
		attribute.Int("partitions.removed", removed),
		attribute.Int("partitions.active", len(e.partitions)),
	)
	return removed
}

// ActivePartitions returns the number of partitions holding a window
func (e *Engine) ActivePartitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.partitions)
}

// Partitions returns the active partition keys in sorted order
func (e *Engine) Partitions() []event.PartitionKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.partitions))
}

// PartitionEvents returns a snapshot of the events buffered for key
func (e *Engine) PartitionEvents(key event.PartitionKey) ([]event.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.partitions[key]
	if !ok {
		return nil, false
	}
	return w.Events(0), true
}

func (e *Engine) windowFor(key event.PartitionKey) (*window.Window, error) {
	if w, ok := e.partitions[key]; ok {
		return w, nil
	}
	w, err := window.New(e.rule.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("creating window for partition %s: %w", key, err)
	}
	e.partitions[key] = w
	return w, nil
}
