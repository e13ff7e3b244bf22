package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig collects what the router mounts
type RouterConfig struct {
	Handler *Handler
	Health  *HealthService
	// Stream serves the websocket match stream; nil leaves it unmounted
	Stream http.HandlerFunc
	// Metrics defaults to the Prometheus default gatherer
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the HTTP routes with the standard middleware chain
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("GET /health", cfg.Health.ReadinessHandler())
	mux.HandleFunc("GET /healthz", cfg.Health.LivenessHandler())
	mux.Handle("GET /metrics", metrics)

	// API v1
	mux.HandleFunc("GET /api/v1/rules", cfg.Handler.handleListRules)
	mux.HandleFunc("GET /api/v1/rules/{name}", cfg.Handler.handleGetRule)
	mux.HandleFunc("GET /api/v1/rules/{name}/matches", cfg.Handler.handleListMatches)
	mux.HandleFunc("GET /api/v1/rules/{name}/last-match", cfg.Handler.handleLastMatch)
	mux.HandleFunc("GET /api/v1/dead-letters", cfg.Handler.handleDeadLetters)
	mux.HandleFunc("DELETE /api/v1/dead-letters/{id}", cfg.Handler.handleRemoveDeadLetter)

	if cfg.Stream != nil {
		mux.HandleFunc("GET /ws/matches", cfg.Stream)
	}

	return Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
	)
}
