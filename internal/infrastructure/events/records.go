package events

import (
	"context"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
)

// MatchSaver persists match records
type MatchSaver interface {
	Save(ctx context.Context, rec correlation.MatchRecord) error
}

// LatestMatchStore remembers the latest match of each rule
type LatestMatchStore interface {
	Store(ctx context.Context, rec correlation.MatchRecord) error
}

// Broadcaster pushes match records to live subscribers
type Broadcaster interface {
	Broadcast(rec correlation.MatchRecord) int
}

// RepositorySink saves every match
type RepositorySink struct {
	repo MatchSaver
}

func NewRepositorySink(repo MatchSaver) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	rec, err := rule.Record(m)
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, rec)
}

// CacheSink keeps the latest match of each rule in the cache
type CacheSink struct {
	store LatestMatchStore
}

func NewCacheSink(store LatestMatchStore) *CacheSink {
	return &CacheSink{store: store}
}

func (s *CacheSink) Deliver(ctx context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	rec, err := rule.Record(m)
	if err != nil {
		return err
	}
	return s.store.Store(ctx, rec)
}

// HubSink streams matches to websocket subscribers
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Deliver(_ context.Context, rule *correlation.Rule, m *correlation.MatchResult) error {
	rec, err := rule.Record(m)
	if err != nil {
		return err
	}
	s.hub.Broadcast(rec)
	return nil
}
