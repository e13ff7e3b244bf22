package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
	"github.com/davidleathers/sequence-correlator/internal/service/correlation"
)

// Source yields the next batch of events
type Source interface {
	Fetch(ctx context.Context) ([]event.Event, error)
}

// Flusher is a source that can release input it holds back while waiting
// for more data. RunOnce flushes it once the source is drained.
type Flusher interface {
	Flush(ctx context.Context) ([]event.Event, error)
}

// Redeliverer retries previously failed alert deliveries and expires those
// that have failed for too long
type Redeliverer interface {
	Redeliver(ctx context.Context) int
	Cleanup(maxAge time.Duration) int
}

// Hooks observes scheduler activity. The Prometheus implementation lives in
// the command that wires the runner.
type Hooks interface {
	ObserveTick(batchSize int, elapsed time.Duration)
	FetchFailed()
}

type noopHooks struct{}

func (noopHooks) ObserveTick(int, time.Duration) {}
func (noopHooks) FetchFailed()                   {}

// Config sets the two scheduler intervals. DeadLetterMaxAge, when set,
// expires failed deliveries older than it on every collection.
type Config struct {
	RunEvery         time.Duration
	GCEvery          time.Duration
	DeadLetterMaxAge time.Duration
}

// Runner fetches batches on a fixed interval, feeds them to every engine and
// periodically drops idle partitions
type Runner struct {
	source      Source
	ingesters   []correlation.Ingester
	cfg         Config
	clock       Clock
	hooks       Hooks
	redeliverer Redeliverer
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Option customizes a Runner
type Option func(*Runner)

func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithHooks(h Hooks) Option {
	return func(r *Runner) { r.hooks = h }
}

// WithRedeliverer retries failed deliveries on every collection tick
func WithRedeliverer(rd Redeliverer) Option {
	return func(r *Runner) { r.redeliverer = rd }
}

// New creates a runner over the given engines
func New(source Source, ingesters []correlation.Ingester, cfg Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if source == nil {
		return nil, errors.NewValidationError("MISSING_SOURCE", "runner requires an event source")
	}
	if len(ingesters) == 0 {
		return nil, errors.NewValidationError("NO_RULES", "runner requires at least one rule")
	}
	if cfg.RunEvery <= 0 || cfg.GCEvery <= 0 {
		return nil, errors.NewValidationError("INVALID_INTERVAL", "run and gc intervals must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		source:    source,
		ingesters: ingesters,
		cfg:       cfg,
		clock:     RealClock{},
		hooks:     noopHooks{},
		logger:    logger.Named("runner"),
		tracer:    otel.Tracer("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tick fetches one batch and hands it to every engine. Engine errors are
// joined; an engine failing does not stop the others from seeing the batch.
func (r *Runner) Tick(ctx context.Context) error {
	_, err := r.process(ctx)
	return err
}

func (r *Runner) process(ctx context.Context) (int, error) {
	return r.ingest(ctx, "runner.Tick", r.source.Fetch)
}

func (r *Runner) ingest(ctx context.Context, spanName string, fetch func(context.Context) ([]event.Event, error)) (int, error) {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	batch, err := fetch(ctx)
	if err != nil {
		r.hooks.FetchFailed()
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("fetching events: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	var errs []error
	if len(batch) > 0 {
		for _, ing := range r.ingesters {
			if err := ing.AddData(ctx, batch); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", ing.Rule().Name, err))
			}
		}
	}

	elapsed := time.Since(start)
	r.hooks.ObserveTick(len(batch), elapsed)
	r.logger.Debug("Tick complete",
		zap.Int("batch_size", len(batch)),
		zap.Duration("elapsed", elapsed))

	if err := stderrors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		return len(batch), err
	}
	return len(batch), nil
}

// Collect drops idle partitions from every engine using the clock's current
// time, then retries failed deliveries. It returns the partitions removed.
func (r *Runner) Collect(ctx context.Context) int {
	ctx, span := r.tracer.Start(ctx, "runner.Collect")
	defer span.End()

	now := r.clock.Now()
	removed := 0
	for _, ing := range r.ingesters {
		removed += ing.GarbageCollect(ctx, now)
	}
	span.SetAttributes(attribute.Int("partitions.removed", removed))

	if r.redeliverer != nil {
		if r.cfg.DeadLetterMaxAge > 0 {
			if n := r.redeliverer.Cleanup(r.cfg.DeadLetterMaxAge); n > 0 {
				r.logger.Warn("Expired failed alerts", zap.Int("count", n))
			}
		}
		if n := r.redeliverer.Redeliver(ctx); n > 0 {
			r.logger.Info("Redelivered failed alerts", zap.Int("count", n))
		}
	}
	return removed
}

// Run ticks immediately, then every RunEvery, and collects every GCEvery
// until ctx is cancelled. Tick errors are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting runner",
		zap.Duration("run_every", r.cfg.RunEvery),
		zap.Duration("gc_every", r.cfg.GCEvery),
		zap.Int("rules", len(r.ingesters)))

	runTicker := time.NewTicker(r.cfg.RunEvery)
	defer runTicker.Stop()
	gcTicker := time.NewTicker(r.cfg.GCEvery)
	defer gcTicker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Runner stopped")
			return ctx.Err()
		case <-runTicker.C:
			r.tick(ctx)
		case <-gcTicker.C:
			if n := r.Collect(ctx); n > 0 {
				r.logger.Info("Collected idle partitions", zap.Int("removed", n))
			}
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Tick failed", zap.Error(err))
	}
}

// RunOnce drains the source, ticking until a fetch returns no events. A
// Flusher source is then flushed so held-back input is evaluated too.
// Finally it collects once. Delivery errors are logged and do not stop the
// drain.
func (r *Runner) RunOnce(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.process(ctx)
		if err != nil {
			if n == 0 {
				return err
			}
			r.logger.Error("Tick failed", zap.Error(err))
		}
		if n == 0 {
			break
		}
	}

	if f, ok := r.source.(Flusher); ok {
		if _, err := r.ingest(ctx, "runner.Flush", f.Flush); err != nil {
			r.logger.Error("Flush failed", zap.Error(err))
		}
	}
	r.Collect(ctx)
	return nil
}
