package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newWebhookServer(t *testing.T, statuses ...int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []capturedRequest
		calls    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()

		n := int(calls.Add(1)) - 1
		status := http.StatusOK
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestWebhookSink(t *testing.T, cfg WebhookConfig) *WebhookSink {
	t.Helper()
	s, err := NewWebhookSink(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestNewWebhookSink_RequiresURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{}, zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestWebhookSink_Deliver(t *testing.T) {
	srv, requests := newWebhookServer(t)
	s := newTestWebhookSink(t, WebhookConfig{
		URLs:    []string{srv.URL},
		Secret:  "s3cret",
		Timeout: 5 * time.Second,
		Retry:   DefaultRetryPolicy(),
	})
	rule := testRule(t)
	m := testMatch("i-1")

	require.NoError(t, s.Deliver(context.Background(), rule, m))
	require.Len(t, *requests, 1)

	req := (*requests)[0]
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, m.ID.String(), req.header.Get(HeaderMatchID))
	assert.Equal(t, "ec2-tamper", req.header.Get(HeaderRule))
	assert.NotEmpty(t, req.header.Get(HeaderDeliveryID))
	assert.Equal(t, Sign(req.body, "s3cret"), req.header.Get(HeaderSignature))
	assert.NotEqual(t, Sign(req.body, "other"), req.header.Get(HeaderSignature))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, "ec2-tamper", payload["rule"])
	assert.Equal(t, "i-1", payload["partition_key"])
	assert.Equal(t, req.header.Get(HeaderDeliveryID), payload["delivery_id"])
	assert.Equal(t, rule.Summary(m), payload["summary"])
	match := payload["match"].(map[string]any)
	assert.Equal(t, "StopInstances", match["eventName"])
	assert.Len(t, match["related_events"], 1)
}

func TestWebhookSink_NoSecretNoSignature(t *testing.T) {
	srv, requests := newWebhookServer(t)
	s := newTestWebhookSink(t, WebhookConfig{URLs: []string{srv.URL}})

	require.NoError(t, s.Deliver(context.Background(), testRule(t), testMatch("i-1")))
	require.Len(t, *requests, 1)
	assert.Empty(t, (*requests)[0].header.Get(HeaderSignature))
}

func TestWebhookSink_Retries(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		maxAttempts   int
		wantErr       bool
		wantRetryable bool
		wantCalls     int
	}{
		{name: "server error then success", statuses: []int{500, 503, 200}, maxAttempts: 3, wantCalls: 3},
		{name: "rate limited then success", statuses: []int{429, 200}, maxAttempts: 3, wantCalls: 2},
		{name: "client error is final", statuses: []int{400}, maxAttempts: 3, wantErr: true, wantCalls: 1},
		{name: "attempts exhausted", statuses: []int{500, 500, 500}, maxAttempts: 3, wantErr: true, wantRetryable: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, requests := newWebhookServer(t, tt.statuses...)
			policy := DefaultRetryPolicy()
			policy.MaxAttempts = tt.maxAttempts
			s := newTestWebhookSink(t, WebhookConfig{URLs: []string{srv.URL}, Retry: policy})

			err := s.Deliver(context.Background(), testRule(t), testMatch("i-1"))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeDelivery))
				assert.Equal(t, tt.wantRetryable, errors.IsRetryable(err))
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, *requests, tt.wantCalls)
		})
	}
}

func TestWebhookSink_MultipleEndpoints(t *testing.T) {
	okSrv, okRequests := newWebhookServer(t)
	badSrv, _ := newWebhookServer(t, 400)

	s := newTestWebhookSink(t, WebhookConfig{URLs: []string{okSrv.URL, badSrv.URL}})
	err := s.Deliver(context.Background(), testRule(t), testMatch("i-1"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), badSrv.URL)
	assert.NotContains(t, err.Error(), okSrv.URL)
	assert.Len(t, *okRequests, 1)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, badSrv.URL, de.Target)
	assert.False(t, errors.IsRetryable(err))
}

func TestWebhookSink_DeliverTo(t *testing.T) {
	aSrv, aRequests := newWebhookServer(t)
	bSrv, bRequests := newWebhookServer(t)
	s := newTestWebhookSink(t, WebhookConfig{URLs: []string{aSrv.URL, bSrv.URL}})

	require.NoError(t, s.DeliverTo(context.Background(), bSrv.URL, testRule(t), testMatch("i-1")))
	assert.Empty(t, *aRequests)
	assert.Len(t, *bRequests, 1)

	err := s.DeliverTo(context.Background(), "http://unknown.invalid", testRule(t), testMatch("i-1"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestWebhookSink_ContextCancelled(t *testing.T) {
	srv, requests := newWebhookServer(t)
	s := newTestWebhookSink(t, WebhookConfig{URLs: []string{srv.URL}, RatePerSecond: 0.001, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Deliver(ctx, testRule(t), testMatch("i-1")))

	cancel()
	assert.Error(t, s.Deliver(ctx, testRule(t), testMatch("i-2")))
	assert.Len(t, *requests, 1)
}

func TestWebhookSink_CalculateDelay(t *testing.T) {
	s := newTestWebhookSink(t, WebhookConfig{
		URLs: []string{"http://localhost"},
		Retry: RetryPolicy{
			MaxAttempts:   5,
			InitialDelay:  time.Second,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
		},
	})

	assert.Equal(t, time.Second, s.calculateDelay(1))
	assert.Equal(t, 2*time.Second, s.calculateDelay(2))
	assert.Equal(t, 4*time.Second, s.calculateDelay(3))
	assert.Equal(t, 5*time.Second, s.calculateDelay(4))
}
