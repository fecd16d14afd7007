package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/helmsmanai/helmsman/internal/cache"
	"github.com/helmsmanai/helmsman/internal/events"
)

func TestBindBusCountsLifecycleEvents(t *testing.T) {
	r := New()
	bus := events.NewBus(zerolog.Nop())
	r.BindBus(bus)

	bus.Publish(events.SessionRegistered, "test", nil)
	bus.Publish(events.SessionRegistered, "test", nil)
	bus.Publish(events.SessionCompleted, "test", nil)
	bus.Publish(events.OrderSubmitted, "test", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SessionEvents.WithLabelValues(string(events.SessionRegistered))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SessionEvents.WithLabelValues(string(events.SessionCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OrdersTotal))
}

func TestObserveBrokerCall(t *testing.T) {
	r := New()
	r.ObserveBrokerCall("ka10001", 20*time.Millisecond, nil)
	r.ObserveBrokerCall("ka10001", 5*time.Millisecond, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.BrokerCalls.WithLabelValues("ka10001", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BrokerCalls.WithLabelValues("ka10001", "error")))
}

func TestUpdateCacheStats(t *testing.T) {
	r := New()
	r.UpdateCacheStats(map[string]cache.TierStats{
		"memory": {Hits: 10, Misses: 3},
		"sqlite": {Hits: 1, Misses: 7},
	})

	assert.Equal(t, 10.0, testutil.ToFloat64(r.CacheHits.WithLabelValues("memory")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.CacheMisses.WithLabelValues("memory")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.CacheMisses.WithLabelValues("sqlite")))
}
