package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/api/rest"
	"github.com/davidleathers/sequence-correlator/internal/api/websocket"
	domain "github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/cache"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/database"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/events"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/source"
	sqssource "github.com/davidleathers/sequence-correlator/internal/infrastructure/source/sqs"
	"github.com/davidleathers/sequence-correlator/internal/metrics"
	"github.com/davidleathers/sequence-correlator/internal/service/correlation"
	"github.com/davidleathers/sequence-correlator/internal/service/runner"
)

// app holds every long-lived component of a run
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	engines     []*correlation.Engine
	source      source.Source
	runner      *runner.Runner
	hub         *websocket.MatchHub
	deadLetters *events.DeadLetterQueue
	cache       cache.Cache
	pool        *pgxpool.Pool
	repo        *database.MatchRepository
}

// loadRules reads and builds every rule in dir. All problems are reported together.
func loadRules(dir string, logger *zap.Logger) ([]*domain.Rule, error) {
	files, err := config.LoadRules(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no rules found in %s", dir)
	}

	var (
		rules []*domain.Rule
		errs  []error
	)
	seen := make(map[string]string, len(files))
	for _, rf := range files {
		rule, err := config.BuildRule(rf, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rf.Path, err))
			continue
		}
		if prev, ok := seen[rule.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: rule %q already defined in %s", rf.Path, rule.Name, prev))
			continue
		}
		seen[rule.Name] = rf.Path
		rules = append(rules, rule)
	}
	return rules, errors.Join(errs...)
}

// openSource builds the configured event source
func openSource(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (source.Source, error) {
	switch cfg.Kind {
	case "sqs":
		client, err := sqssource.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return sqssource.NewSource(client, cfg.QueueURL, cfg.BatchSize, cfg.WaitSeconds, logger), nil
	default:
		src, err := source.OpenFile(cfg.Path, cfg.BatchSize, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// buildSink assembles the delivery chain shared by every engine: realert
// suppression in front of a fan-out to the enabled sinks. Realert state lives
// in Redis when it is enabled and in process memory otherwise.
func buildSink(a *app) (events.Sink, error) {
	fanout, err := buildFanout(a)
	if err != nil {
		return nil, err
	}

	var suppressor events.Suppressor
	if a.cache != nil {
		suppressor = cache.NewSuppressor(a.cache, a.logger)
	} else {
		a.logger.Info("Redis disabled, realert periods are tracked in memory")
		suppressor = cache.NewMemorySuppressor(a.logger)
	}
	return events.NewSuppressingSink(fanout, suppressor, a.logger), nil
}

// buildFanout creates the enabled sinks. The dead letter queue is set on a
// when webhooks are configured.
func buildFanout(a *app) (*events.MultiSink, error) {
	alerting := a.cfg.Alerting
	var sinks []events.NamedSink

	if alerting.LogMatches {
		sinks = append(sinks, events.NamedSink{Name: "log", Sink: events.NewLogSink(a.logger)})
	}
	if len(alerting.WebhookURLs) > 0 {
		retry := events.DefaultRetryPolicy()
		retry.MaxAttempts = alerting.MaxAttempts
		if alerting.RetryDelay > 0 {
			retry.InitialDelay = alerting.RetryDelay
		}
		webhook, err := events.NewWebhookSink(events.WebhookConfig{
			URLs:          alerting.WebhookURLs,
			Secret:        alerting.WebhookSecret,
			Timeout:       alerting.Timeout,
			RatePerSecond: alerting.RatePerSecond,
			Burst:         alerting.Burst,
			Retry:         retry,
			Breaker: events.CircuitBreakerConfig{
				FailureThreshold: alerting.CircuitThreshold,
				OpenTimeout:      alerting.CircuitTimeout,
			},
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.deadLetters = events.NewDeadLetterQueue(webhook, alerting.DeadLetterMax, a.logger)
		sinks = append(sinks, events.NamedSink{Name: "webhook", Sink: a.deadLetters})
	}
	if a.repo != nil {
		sinks = append(sinks, events.NamedSink{Name: "postgres", Sink: events.NewRepositorySink(a.repo)})
	}
	if a.cache != nil {
		sinks = append(sinks, events.NamedSink{Name: "redis", Sink: events.NewCacheSink(cache.NewMatchIndex(a.cache))})
	}
	if a.hub != nil {
		sinks = append(sinks, events.NamedSink{Name: "websocket", Sink: events.NewHubSink(a.hub)})
	}
	if len(sinks) == 0 {
		return nil, errors.New("no alert sinks are enabled")
	}

	return events.NewMultiSink(a.logger, observeDelivery, sinks...), nil
}

// buildEngines creates one engine per rule sharing sink
func buildEngines(rules []*domain.Rule, sink events.Sink, reg *metrics.Registry, logger *zap.Logger) ([]*correlation.Engine, error) {
	engines := make([]*correlation.Engine, 0, len(rules))
	for _, rule := range rules {
		e, err := correlation.NewEngine(rule, sink, logger, correlation.WithMetrics(reg))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// newApp connects the optional stores, builds the engines and the scheduler.
// Close must be called even when newApp fails.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: websocket.NewMatchHub(logger)}

	rules, err := loadRules(cfg.RulesDir, logger)
	if err != nil {
		return a, fmt.Errorf("loading rules: %w", err)
	}

	if cfg.Redis.Enabled {
		c, err := cache.NewRedisCache(&cfg.Redis, logger)
		if err != nil {
			return a, fmt.Errorf("connecting to redis: %w", err)
		}
		a.cache = c
	}

	if cfg.Database.Enabled {
		if cfg.Database.MigrateOnStart {
			if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
				return a, err
			}
		}
		pool, err := database.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return a, fmt.Errorf("connecting to database: %w", err)
		}
		a.pool = pool
		a.repo = database.NewMatchRepository(pool)
	}

	sink, err := buildSink(a)
	if err != nil {
		return a, err
	}

	reg, err := metrics.NewRegistry("correlator")
	if err != nil {
		return a, fmt.Errorf("creating metrics: %w", err)
	}
	a.engines, err = buildEngines(rules, sink, reg, logger)
	if err != nil {
		return a, err
	}

	a.source, err = openSource(ctx, cfg.Source, logger)
	if err != nil {
		return a, err
	}

	ingesters := make([]correlation.Ingester, len(a.engines))
	for i, e := range a.engines {
		ingesters[i] = e
	}
	opts := []runner.Option{runner.WithHooks(promHooks{})}
	if a.deadLetters != nil {
		opts = append(opts, runner.WithRedeliverer(a.deadLetters))
	}
	a.runner, err = runner.New(a.source, ingesters, runner.Config{
		RunEvery:         cfg.RunEvery,
		GCEvery:          cfg.GCEvery,
		DeadLetterMaxAge: cfg.Alerting.DeadLetterMaxAge,
	}, logger, opts...)
	if err != nil {
		return a, err
	}
	return a, nil
}

// restDependencies exposes only the stores that are configured
func (a *app) restDependencies() rest.Dependencies {
	deps := rest.Dependencies{Engines: make([]rest.RuleEngine, len(a.engines))}
	for i, e := range a.engines {
		deps.Engines[i] = e
	}
	if a.repo != nil {
		deps.Matches = a.repo
	}
	if a.cache != nil {
		deps.LastMatch = cache.NewMatchIndex(a.cache)
	}
	if a.deadLetters != nil {
		deps.DeadLetters = a.deadLetters
	}
	return deps
}

// healthCheckers pings the configured stores
func (a *app) healthCheckers() []rest.HealthChecker {
	var checkers []rest.HealthChecker
	if a.pool != nil {
		checkers = append(checkers, rest.NewPingChecker("postgres", a.pool.Ping))
	}
	if a.cache != nil {
		checkers = append(checkers, rest.NewPingChecker("redis", a.cache.Ping))
	}
	return checkers
}

// Close releases everything newApp opened
func (a *app) Close() error {
	var errs []error
	if a.source != nil {
		errs = append(errs, a.source.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}
