package broker

import (
	"sync"
)

// Registry hands out one shared Gateway per credential set so the rate
// buckets, token cache and circuit breaker are process-wide. Changing
// credentials for a venue rebuilds its gateway.
type Registry struct {
	mu       sync.Mutex
	gateways map[string]*registryEntry
}

type registryEntry struct {
	gw        *Gateway
	appKey    string
	secretKey string
}

// NewRegistry creates an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]*registryEntry)}
}

// Get returns the shared gateway for the venue in opts, building it on
// first use. A credential change invalidates the cached instance.
func (r *Registry) Get(opts Options) *Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := opts.Profile.Name + ":" + opts.Account
	if entry, ok := r.gateways[key]; ok {
		if entry.appKey == opts.AppKey && entry.secretKey == opts.SecretKey {
			return entry.gw
		}
	}

	gw := New(opts)
	r.gateways[key] = &registryEntry{gw: gw, appKey: opts.AppKey, secretKey: opts.SecretKey}
	return gw
}
