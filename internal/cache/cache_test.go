package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierLRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}
	// Touch k0 so k1 becomes least recently used.
	_, found, err := m.Get(ctx, "k0")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, m.Set(ctx, "k3", []byte("v"), time.Minute))
	assert.Equal(t, 3, m.Len())

	_, found, _ = m.Get(ctx, "k1")
	assert.False(t, found, "least-recently-used entry must be evicted")
	_, found, _ = m.Get(ctx, "k0")
	assert.True(t, found)
}

func TestMemoryTierTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(10)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	_, found, _ := m.Get(ctx, "k")
	assert.True(t, found)

	time.Sleep(20 * time.Millisecond)
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found, "expired entry reads as miss")
}

func TestMemoryTierDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTier(10)

	require.NoError(t, m.Set(ctx, "balance:acc1:krw", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "balance:acc1:usd", []byte("2"), time.Minute))
	require.NoError(t, m.Set(ctx, "price:krx:005930", []byte("3"), time.Minute))

	require.NoError(t, m.DeletePrefix(ctx, "balance:acc1:"))
	assert.Equal(t, 1, m.Len())
	_, found, _ := m.Get(ctx, "price:krx:005930")
	assert.True(t, found)
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, 3*time.Second, TTLFor("price:krx:005930"))
	assert.Equal(t, 2*time.Second, TTLFor("orderbook:upbit:KRW-BTC"))
	assert.Equal(t, time.Hour, TTLFor("candles:krx:005930:1d"))
	assert.Equal(t, 30*time.Second, TTLFor("balance:acc1"))
	assert.Equal(t, DefaultTTL, TTLFor("something:else"))
}

func TestCodecRoundTrip(t *testing.T) {
	type payload struct {
		Price  int64   `msgpack:"price"`
		Volume float64 `msgpack:"volume"`
	}

	raw := Encode(payload{Price: 72_000, Volume: 1.5})
	var got payload
	require.NoError(t, Decode(raw, &got))
	assert.Equal(t, int64(72_000), got.Price)
	assert.Equal(t, 1.5, got.Volume)
}

// flakyTier fails every call; used to verify the chain degrades.
type flakyTier struct{}

func (flakyTier) Name() string { return "flaky" }
func (flakyTier) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (flakyTier) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (flakyTier) Delete(context.Context, string) error       { return errors.New("down") }
func (flakyTier) DeletePrefix(context.Context, string) error { return errors.New("down") }
func (flakyTier) Clear(context.Context) error                { return errors.New("down") }

func TestMultiPromoteOnHit(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemoryTier(10)
	l3 := NewMemoryTier(10) // stands in for the durable tier

	multi := NewMulti(zerolog.Nop(), l1, l3)

	// Seed only the lower tier, as if the entry survived a restart.
	require.NoError(t, l3.Set(ctx, "candles:krx:005930", []byte("data"), time.Hour))

	val, found := multi.GetBytes(ctx, "candles:krx:005930")
	require.True(t, found)
	assert.Equal(t, []byte("data"), val)

	// The hit must have been promoted into L1.
	_, found, err := l1.Get(ctx, "candles:krx:005930")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMultiWriteThrough(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemoryTier(10)
	l3 := NewMemoryTier(10)
	multi := NewMulti(zerolog.Nop(), l1, l3)

	multi.SetBytes(ctx, "price:krx:005930", []byte("72000"))

	for _, tier := range []*MemoryTier{l1, l3} {
		_, found, err := tier.Get(ctx, "price:krx:005930")
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestMultiDegradesOnTierFailure(t *testing.T) {
	ctx := context.Background()
	healthy := NewMemoryTier(10)
	multi := NewMulti(zerolog.Nop(), flakyTier{}, healthy)

	multi.SetBytes(ctx, "k", []byte("v"))

	val, found := multi.GetBytes(ctx, "k")
	require.True(t, found, "healthy tier must serve despite the broken one")
	assert.Equal(t, []byte("v"), val)

	stats := multi.Stats()
	assert.Greater(t, stats["flaky"].Errors, int64(0))
	assert.Greater(t, stats["memory"].Hits, int64(0))
}

func TestMultiInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemoryTier(10)
	l3 := NewMemoryTier(10)
	multi := NewMulti(zerolog.Nop(), l1, l3)

	multi.SetBytes(ctx, "balance:acc1:krw", []byte("1"))
	multi.SetBytes(ctx, "holdings:acc1:005930", []byte("2"))
	multi.SetBytes(ctx, "price:krx:005930", []byte("3"))

	multi.InvalidatePrefix(ctx, "balance:acc1:")

	_, found := multi.GetBytes(ctx, "balance:acc1:krw")
	assert.False(t, found)
	_, found = multi.GetBytes(ctx, "price:krx:005930")
	assert.True(t, found)
}

func TestMultiTypedHelpers(t *testing.T) {
	ctx := context.Background()
	multi := NewMulti(zerolog.Nop(), NewMemoryTier(10))

	type ticker struct {
		Price float64 `msgpack:"price"`
	}
	multi.Set(ctx, "price:upbit:KRW-BTC", ticker{Price: 12345.6})

	var got ticker
	require.True(t, multi.Get(ctx, "price:upbit:KRW-BTC", &got))
	assert.Equal(t, 12345.6, got.Price)

	assert.False(t, multi.Get(ctx, "missing", &got))
}
