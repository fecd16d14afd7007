package cache

import (
	"strings"
	"time"
)

// DefaultTTL applies when no prefix rule matches.
const DefaultTTL = 5 * time.Minute

// L3Multiplier stretches TTLs in the durable tier, which survives restarts
// and tolerates staler data.
const L3Multiplier = 10

// prefixTTLs maps key prefixes to their freshness windows. Keys follow the
// "prefix:venue:instrument" convention used by the broker gateway.
var prefixTTLs = []struct {
	prefix string
	ttl    time.Duration
}{
	{"price:", 3 * time.Second},
	{"orderbook:", 2 * time.Second},
	{"candles:", time.Hour},
	{"balance:", 30 * time.Second},
	{"holdings:", 30 * time.Second},
	{"order_status:", 2 * time.Second},
}

// TTLFor returns the freshness window for a key based on its prefix.
func TTLFor(key string) time.Duration {
	for _, p := range prefixTTLs {
		if strings.HasPrefix(key, p.prefix) {
			return p.ttl
		}
	}
	return DefaultTTL
}
