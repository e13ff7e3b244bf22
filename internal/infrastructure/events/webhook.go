package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
)

const (
	HeaderDeliveryID = "X-Delivery-ID"
	HeaderMatchID    = "X-Match-ID"
	HeaderRule       = "X-Rule"
	HeaderSignature  = "X-Signature-SHA256"
)

// RetryPolicy controls redelivery of a failed webhook call
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy retries three times with exponential backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// WebhookConfig configures a WebhookSink
type WebhookConfig struct {
	URLs          []string
	Secret        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Retry         RetryPolicy
	Breaker       CircuitBreakerConfig
}

// WebhookPayload is the JSON body posted for a match
type WebhookPayload struct {
	DeliveryID   uuid.UUID                `json:"delivery_id"`
	MatchID      uuid.UUID                `json:"match_id"`
	Rule         string                   `json:"rule"`
	PartitionKey string                   `json:"partition_key"`
	NumSequences int                      `json:"num_sequences"`
	MatchedAt    time.Time                `json:"matched_at"`
	Summary      string                   `json:"summary"`
	Match        *correlation.MatchResult `json:"match"`
}

// WebhookSink posts every match to the configured endpoints. Requests are
// signed with HMAC-SHA256 when a secret is set and are rate limited across
// all endpoints. Each endpoint has its own circuit breaker.
type WebhookSink struct {
	client   *http.Client
	urls     []string
	secret   string
	retry    RetryPolicy
	limiter  *rate.Limiter
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) (*WebhookSink, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.NewConfigurationError("MISSING_WEBHOOK_URL", "at least one webhook url is required")
	}

	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffFactor < 1 {
		retry.BackoffFactor = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	s := &WebhookSink{
		client:   &http.Client{Timeout: cfg.Timeout},
		urls:     cfg.URLs,
		secret:   cfg.Secret,
		retry:    retry,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: make(map[string]*CircuitBreaker, len(cfg.URLs)),
		logger:   logger.Named("webhook"),
		tracer:   otel.Tracer("events.webhook"),
		sleep:    sleepContext,
	}
	for _, url := range cfg.URLs {
		cb := NewCircuitBreaker(cfg.Breaker)
		cb.OnStateChange(func(from, to CircuitState) {
			s.logger.Warn("Webhook circuit state changed",
				zap.String("url", url),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		})
		s.breakers[url] = cb
	}
	return s, nil
}

// DeliveryError is the failure of one endpoint within a delivery
type DeliveryError struct {
	Target string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s failed: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (s *WebhookSink) newPayload(rule *correlation.Rule, m *correlation.MatchResult) (WebhookPayload, []byte, error) {
	payload := WebhookPayload{
		DeliveryID:   uuid.New(),
		MatchID:      m.ID,
		Rule:         rule.Name,
		PartitionKey: m.PartitionKey.String(),
		NumSequences: m.NumSequences,
		MatchedAt:    m.MatchedAt,
		Summary:      rule.Summary(m),
		Match:        m,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return payload, nil, errors.NewInternalError("failed to marshal webhook payload").WithCause(err)
	}
	return payload, body, nil
}

// Deliver posts m to every endpoint concurrently and joins the failures.
// Each failure is a *DeliveryError naming its endpoint.
func (s *WebhookSink) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	payload, body, err := s.newPayload(rule, m)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, url := range s.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if err := s.deliverOne(ctx, url, payload, body); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(url)
	}
	wg.Wait()

	return stderrors.Join(errs...)
}

// DeliverTo posts m to a single configured endpoint
func (s *WebhookSink) DeliverTo(ctx context.Context, target string, rule *correlation.Rule, m *correlation.MatchResult) error {
	if _, ok := s.breakers[target]; !ok {
		return errors.NewNotFoundError("webhook endpoint").WithDetails(map[string]any{"url": target})
	}
	payload, body, err := s.newPayload(rule, m)
	if err != nil {
		return err
	}
	return s.deliverOne(ctx, target, payload, body)
}

func (s *WebhookSink) deliverOne(ctx context.Context, url string, payload WebhookPayload, body []byte) error {
	if err := s.send(ctx, url, payload, body); err != nil {
		s.logger.Error("Webhook delivery failed",
			zap.String("url", url),
			zap.Stringer("delivery_id", payload.DeliveryID),
			zap.Error(err))
		return &DeliveryError{Target: url, Err: err}
	}
	s.logger.Debug("Webhook delivered successfully",
		zap.String("url", url),
		zap.Stringer("delivery_id", payload.DeliveryID))
	return nil
}

func (s *WebhookSink) send(ctx context.Context, url string, payload WebhookPayload, body []byte) error {
	ctx, span := telemetry.StartMessagingSpan(ctx, s.tracer, "webhook", "publish", url)
	defer span.End()
	span.SetAttributes(
		attribute.String("rule", payload.Rule),
		attribute.String("delivery_id", payload.DeliveryID.String()),
	)

	cb := s.breakers[url]
	if !cb.Allow() {
		err := errors.NewDeliveryError("webhook", "endpoint unavailable").WithCause(ErrCircuitOpen)
		span.RecordError(err)
		span.SetStatus(codes.Error, "circuit open")
		return err
	}

	var (
		lastErr   error
		retryable bool
	)
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		var err error
		retryable, err = s.post(ctx, url, payload, body)
		if err == nil {
			cb.Success()
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		lastErr = err
		if !retryable || attempt == s.retry.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.calculateDelay(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		cb.Cancel()
	case retryable:
		cb.Failure()
	default:
		// A rejected request still means the endpoint is reachable.
		cb.Success()
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "webhook delivery failed")
	return lastErr
}

// post performs one request and reports whether a failure may be retried
func (s *WebhookSink) post(ctx context.Context, url string, payload WebhookPayload, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, errors.NewInternalError("failed to create webhook request").WithCause(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sequence-correlator/1.0")
	req.Header.Set(HeaderDeliveryID, payload.DeliveryID.String())
	req.Header.Set(HeaderMatchID, payload.MatchID.String())
	req.Header.Set(HeaderRule, payload.Rule)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, errors.NewDeliveryError("webhook", "request failed").WithCause(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	if !isRetryableStatus(resp.StatusCode) {
		return false, errors.NewRejectedError("webhook", resp.StatusCode).
			WithDetails(map[string]any{"url": url})
	}
	return true, errors.NewDeliveryError("webhook", fmt.Sprintf("unexpected status %d", resp.StatusCode)).
		WithDetails(map[string]any{"status": resp.StatusCode, "url": url})
}

func (s *WebhookSink) calculateDelay(attempt int) time.Duration {
	delay := s.retry.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * s.retry.BackoffFactor)
		if s.retry.MaxDelay > 0 && delay > s.retry.MaxDelay {
			return s.retry.MaxDelay
		}
	}
	return delay
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func isRetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
