package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the correlation domain metrics. A nil *Registry records nothing.
type Registry struct {
	meter metric.Meter

	EventsIngested      metric.Int64Counter
	EventsSkipped       metric.Int64Counter
	MatchesEmitted      metric.Int64Counter
	SequencesCounted    metric.Int64Histogram
	PartitionsCollected metric.Int64Counter
	PartitionsActive    metric.Int64ObservableGauge
	EvaluateDuration    metric.Float64Histogram

	// State for observable metrics
	mu               sync.RWMutex
	activePartitions map[string]int64
}

// NewRegistry creates a registry on the global meter provider
func NewRegistry(meterName string) (*Registry, error) {
	return NewRegistryWithMeter(otel.Meter(meterName))
}

// NewRegistryWithMeter creates a registry on the given meter
func NewRegistryWithMeter(meter metric.Meter) (*Registry, error) {
	r := &Registry{
		meter:            meter,
		activePartitions: make(map[string]int64),
	}

	if err := r.initEngineMetrics(); err != nil {
		return nil, err
	}
	if err := r.initPartitionMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initEngineMetrics() error {
	var err error

	r.EventsIngested, err = r.meter.Int64Counter(
		"correlator.events.ingested",
		metric.WithDescription("Events appended to a partition window"),
	)
	if err != nil {
		return err
	}

	r.EventsSkipped, err = r.meter.Int64Counter(
		"correlator.events.skipped",
		metric.WithDescription("Events dropped before windowing"),
	)
	if err != nil {
		return err
	}

	r.MatchesEmitted, err = r.meter.Int64Counter(
		"correlator.matches.emitted",
		metric.WithDescription("Matches handed to the alert sink"),
	)
	if err != nil {
		return err
	}

	r.SequencesCounted, err = r.meter.Int64Histogram(
		"correlator.sequences.counted",
		metric.WithDescription("Complete sequences found per evaluation"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return err
	}

	r.EvaluateDuration, err = r.meter.Float64Histogram(
		"correlator.evaluate.duration",
		metric.WithDescription("Duration of a partition evaluation in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	return err
}

func (r *Registry) initPartitionMetrics() error {
	var err error

	r.PartitionsCollected, err = r.meter.Int64Counter(
		"correlator.partitions.collected",
		metric.WithDescription("Idle partitions dropped by garbage collection"),
	)
	if err != nil {
		return err
	}

	r.PartitionsActive, err = r.meter.Int64ObservableGauge(
		"correlator.partitions.active",
		metric.WithDescription("Partitions currently holding a window"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			for rule, n := range r.activePartitions {
				o.Observe(n, metric.WithAttributes(attribute.String("rule", rule)))
			}
			return nil
		}),
	)
	return err
}

func ruleAttr(rule string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("rule", rule))
}

// RecordIngested counts events appended for a rule
func (r *Registry) RecordIngested(ctx context.Context, rule string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.EventsIngested.Add(ctx, int64(n), ruleAttr(rule))
}

// RecordSkipped counts an event dropped for reason
func (r *Registry) RecordSkipped(ctx context.Context, rule, reason string) {
	if r == nil {
		return
	}
	r.EventsSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.String("reason", reason),
	))
}

// RecordEvaluation records one evaluation outcome
func (r *Registry) RecordEvaluation(ctx context.Context, rule string, sequences int, durationMS float64, matched bool) {
	if r == nil {
		return
	}
	r.SequencesCounted.Record(ctx, int64(sequences), ruleAttr(rule))
	r.EvaluateDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.Bool("matched", matched),
	))
	if matched {
		r.MatchesEmitted.Add(ctx, 1, ruleAttr(rule))
	}
}

// RecordCollected counts partitions dropped by garbage collection
func (r *Registry) RecordCollected(ctx context.Context, rule string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.PartitionsCollected.Add(ctx, int64(n), ruleAttr(rule))
}

// SetActivePartitions updates the partition gauge for a rule
func (r *Registry) SetActivePartitions(rule string, n int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activePartitions[rule] = int64(n)
}
