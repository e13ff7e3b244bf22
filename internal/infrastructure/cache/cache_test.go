package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
)

func setupTestRedis(t *testing.T) (*redisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	cfg := &config.RedisConfig{
		URL:         mr.Addr(),
		PoolSize:    5,
		DialTimeout: 5 * time.Second,
	}

	c, err := NewRedisCache(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c.(*redisCache), mr
}

func TestNewRedisCache(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		c, _ := setupTestRedis(t)
		assert.NotNil(t, c.client)
		assert.NoError(t, c.Ping(context.Background()))
	})

	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisCache(&config.RedisConfig{URL: "localhost:6379"}, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRedisCache(nil, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "redis config is required")
	})

	t.Run("connection failure", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisCache(&config.RedisConfig{URL: addr, DialTimeout: 100 * time.Millisecond}, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "redis connection failed")
	})
}

func TestRedisCache_Claim(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	claimed, remaining, err := c.Claim(ctx, "test:claim", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, time.Minute, remaining)

	mr.FastForward(20 * time.Second)
	claimed, remaining, err = c.Claim(ctx, "test:claim", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, 40*time.Second, remaining, "holder keeps its original expiry")

	got, err := mr.Get("test:claim")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	mr.FastForward(41 * time.Second)
	claimed, _, err = c.Claim(ctx, "test:claim", "third", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "expired claims can be taken again")

	mr.SetError("LOADING")
	_, _, err = c.Claim(ctx, "test:other", "x", time.Minute)
	assert.ErrorContains(t, err, "claim test:other")
}

func TestRedisCache_JSON(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	type payload struct {
		Rule string `json:"rule"`
	}
	require.NoError(t, c.PutJSON(ctx, "test:json", payload{Rule: "ec2"}, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("test:json"))

	var got payload
	require.NoError(t, c.GetJSON(ctx, "test:json", &got))
	assert.Equal(t, "ec2", got.Rule)

	err := c.GetJSON(ctx, "missing", &got)
	var notFound ErrCacheKeyNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Key)

	require.NoError(t, mr.Set("test:notjson", "{"))
	assert.ErrorContains(t, c.GetJSON(ctx, "test:notjson", &got), "decode test:notjson")

	assert.ErrorContains(t, c.PutJSON(ctx, "test:chan", make(chan int), time.Hour), "encode test:chan")
}

func TestSuppressor(t *testing.T) {
	c, mr := setupTestRedis(t)
	s := NewSuppressor(c, zaptest.NewLogger(t))
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	suppressed, err := s.Suppress(ctx, "ec2", "i-1", 10*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, suppressed, "first alert passes")
	assert.True(t, mr.Exists("correlator:realert:ec2:i-1"))

	suppressed, err = s.Suppress(ctx, "ec2", "i-1", 10*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, suppressed, "second alert inside realert")

	suppressed, err = s.Suppress(ctx, "ec2", "i-2", 10*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, suppressed, "other partitions are independent")

	mr.FastForward(11 * time.Minute)
	suppressed, err = s.Suppress(ctx, "ec2", "i-1", 10*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, suppressed, "realert elapsed")

	suppressed, err = s.Suppress(ctx, "ec2", "i-1", 0, now)
	require.NoError(t, err)
	assert.False(t, suppressed, "zero realert never suppresses")

	mr.SetError("READONLY")
	_, err = s.Suppress(ctx, "ec2", "i-9", time.Minute, now)
	assert.Error(t, err)
}

func TestMatchIndex(t *testing.T) {
	c, _ := setupTestRedis(t)
	idx := NewMatchIndex(c)
	ctx := context.Background()

	_, ok, err := idx.Latest(ctx, "ec2")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := correlation.MatchRecord{
		ID:           uuid.New(),
		Rule:         "ec2",
		PartitionKey: event.AllPartition.String(),
		NumSequences: 2,
		MatchedAt:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary:      "At least 2 sequences",
		Payload:      json.RawMessage(`{"eventName":"StartInstances"}`),
	}
	require.NoError(t, idx.Store(ctx, rec))

	got, ok, err := idx.Latest(ctx, "ec2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, rec.MatchedAt.Equal(got.MatchedAt))
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
}
