// Package cache implements the tiered read-through cache used by the broker
// gateway: L1 in-process LRU, optional L2 Redis, L3 durable SQLite. Reads
// promote lower-tier hits upward; writes go through every configured tier.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Tier is one cache level. Get returns (value, found, error); an error
// means the tier is unhealthy, not that the key is absent.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
}

// TierStats are cumulative per-tier counters.
type TierStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

type tierCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Multi chains tiers in probe order. Tier failures degrade the call to the
// remaining tiers and are logged, never surfaced to the caller as a miss
// turning into an error.
type Multi struct {
	tiers    []Tier
	counters []*tierCounters
	log      zerolog.Logger
}

// NewMulti builds the chain. Tiers are probed in the order given; nil tiers
// are skipped so an unconfigured L2 costs nothing.
func NewMulti(log zerolog.Logger, tiers ...Tier) *Multi {
	m := &Multi{log: log.With().Str("component", "cache").Logger()}
	for _, t := range tiers {
		if t == nil {
			continue
		}
		m.tiers = append(m.tiers, t)
		m.counters = append(m.counters, &tierCounters{})
	}
	return m
}

// GetBytes probes the tiers in order and promotes a lower-tier hit into
// every tier above it, using the prefix TTL so promoted entries do not
// outlive their freshness window.
func (m *Multi) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	for i, t := range m.tiers {
		val, found, err := t.Get(ctx, key)
		if err != nil {
			m.counters[i].errors.Add(1)
			m.log.Warn().Err(err).Str("tier", t.Name()).Str("key", key).Msg("tier read failed, degrading")
			continue
		}
		if !found {
			m.counters[i].misses.Add(1)
			continue
		}
		m.counters[i].hits.Add(1)
		ttl := TTLFor(key)
		for j := 0; j < i; j++ {
			if err := m.tiers[j].Set(ctx, key, val, ttl); err != nil {
				m.log.Warn().Err(err).Str("tier", m.tiers[j].Name()).Msg("promote failed")
			}
		}
		return val, true
	}
	return nil, false
}

// SetBytes writes through every tier. The durable tier gets a stretched TTL.
func (m *Multi) SetBytes(ctx context.Context, key string, value []byte) {
	ttl := TTLFor(key)
	for _, t := range m.tiers {
		tierTTL := ttl
		if t.Name() == "sqlite" {
			tierTTL = ttl * L3Multiplier
		}
		if err := t.Set(ctx, key, value, tierTTL); err != nil {
			m.log.Warn().Err(err).Str("tier", t.Name()).Str("key", key).Msg("tier write failed, degrading")
		}
	}
}

// Get decodes a typed value from the chain.
func (m *Multi) Get(ctx context.Context, key string, dest interface{}) bool {
	raw, found := m.GetBytes(ctx, key)
	if !found {
		return false
	}
	if err := Decode(raw, dest); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cached value undecodable, treating as miss")
		m.Delete(ctx, key)
		return false
	}
	return true
}

// Set encodes and writes a typed value through the chain.
func (m *Multi) Set(ctx context.Context, key string, value interface{}) {
	m.SetBytes(ctx, key, Encode(value))
}

// Delete removes a key from every tier.
func (m *Multi) Delete(ctx context.Context, key string) {
	for _, t := range m.tiers {
		if err := t.Delete(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("tier", t.Name()).Str("key", key).Msg("tier delete failed")
		}
	}
}

// InvalidatePrefix removes all keys under a prefix from every tier. Used by
// the broker gateway after mutations to drop stale account state.
func (m *Multi) InvalidatePrefix(ctx context.Context, prefix string) {
	for _, t := range m.tiers {
		if err := t.DeletePrefix(ctx, prefix); err != nil {
			m.log.Warn().Err(err).Str("tier", t.Name()).Str("prefix", prefix).Msg("tier prefix invalidation failed")
		}
	}
}

// Clear empties every tier.
func (m *Multi) Clear(ctx context.Context) {
	for _, t := range m.tiers {
		if err := t.Clear(ctx); err != nil {
			m.log.Warn().Err(err).Str("tier", t.Name()).Msg("tier clear failed")
		}
	}
}

// Stats returns per-tier counters keyed by tier name.
func (m *Multi) Stats() map[string]TierStats {
	out := make(map[string]TierStats, len(m.tiers))
	for i, t := range m.tiers {
		out[t.Name()] = TierStats{
			Hits:   m.counters[i].hits.Load(),
			Misses: m.counters[i].misses.Load(),
			Errors: m.counters[i].errors.Load(),
		}
	}
	return out
}
