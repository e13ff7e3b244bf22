package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthChecker checks the health of a dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// PingChecker adapts a ping function such as pgxpool.Pool.Ping
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string                    { return c.name }
func (c *PingChecker) Check(ctx context.Context) error { return c.ping(ctx) }

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	ResponseTime string       `json:"response_time"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status  HealthStatus                 `json:"status"`
	Version string                       `json:"version"`
	Uptime  string                       `json:"uptime"`
	Checks  map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs the registered checks
type HealthService struct {
	checkers  []HealthChecker
	version   string
	timeout   time.Duration
	tracer    trace.Tracer
	startTime time.Time
}

// NewHealthService creates a health service reporting version
func NewHealthService(version string, timeout time.Duration, checkers ...HealthChecker) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{
		checkers:  checkers,
		version:   version,
		timeout:   timeout,
		tracer:    otel.Tracer("api.rest.health"),
		startTime: time.Now(),
	}
}

// LivenessHandler reports that the process is serving
func (h *HealthService) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  HealthStatusPass,
			Version: h.version,
			Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler runs every check concurrently and fails with 503 when any fails
func (h *HealthService) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "health.readiness")
		defer span.End()

		resp := h.check(ctx)
		span.SetAttributes(attribute.String("health.status", string(resp.Status)))

		status := http.StatusOK
		if resp.Status != HealthStatusPass {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func (h *HealthService) check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:  HealthStatusPass,
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Checks:  make(map[string]HealthCheckResult, len(h.checkers)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)

			result := HealthCheckResult{Status: HealthStatusPass, ResponseTime: time.Since(start).String()}
			if err != nil {
				result.Status = HealthStatusFail
				result.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			resp.Checks[c.Name()] = result
			if err != nil {
				resp.Status = HealthStatusFail
			}
		}(c)
	}
	wg.Wait()
	return resp
}
