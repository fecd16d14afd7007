package ticksize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKRXBoundaries(t *testing.T) {
	table := KRX()

	cases := []struct {
		price int64
		tick  int64
	}{
		{0, 1},
		{999, 1},
		{1_000, 5},
		{4_999, 5},
		{5_000, 10},
		{9_999, 10},
		{10_000, 50},
		{49_999, 50},
		{50_000, 100},
		{99_999, 100},
		{100_000, 500},
		{499_999, 500},
		{500_000, 1_000},
		{72_500_000, 1_000},
	}
	for _, tc := range cases {
		tick, err := table.TickOf(tc.price)
		require.NoError(t, err)
		assert.Equal(t, tc.tick, tick, "price %d", tc.price)
	}
}

func TestTickOfNegativePrice(t *testing.T) {
	_, err := KRX().TickOf(-1)
	assert.Error(t, err)
}

func TestRound(t *testing.T) {
	table := KRX()

	t.Run("down", func(t *testing.T) {
		got, err := table.Round(12_345, RoundDown)
		require.NoError(t, err)
		assert.Equal(t, int64(12_300), got)
	})

	t.Run("up", func(t *testing.T) {
		got, err := table.Round(12_345, RoundUp)
		require.NoError(t, err)
		assert.Equal(t, int64(12_350), got)
	})

	t.Run("nearest breaks ties up", func(t *testing.T) {
		got, err := table.Round(12_325, RoundNearest)
		require.NoError(t, err)
		assert.Equal(t, int64(12_350), got)
	})

	t.Run("already on grid", func(t *testing.T) {
		for _, mode := range []RoundMode{RoundDown, RoundUp, RoundNearest} {
			got, err := table.Round(12_350, mode)
			require.NoError(t, err)
			assert.Equal(t, int64(12_350), got)
		}
	})
}

func TestRoundIdempotent(t *testing.T) {
	table := KRX()
	prices := []int64{1, 999, 1_001, 4_998, 12_345, 99_950, 123_456, 987_654}

	for _, p := range prices {
		for _, mode := range []RoundMode{RoundDown, RoundUp, RoundNearest} {
			once, err := table.Round(p, mode)
			require.NoError(t, err)
			twice, err := table.Round(once, mode)
			require.NoError(t, err)
			assert.Equal(t, once, twice, "round(round(%d)) must be stable", p)
			assert.True(t, table.IsValid(once), "round(%d) must land on grid", p)
		}
	}
}

func TestIsValid(t *testing.T) {
	table := KRX()
	assert.True(t, table.IsValid(72_000))
	assert.True(t, table.IsValid(1_000))
	assert.False(t, table.IsValid(72_010))
	assert.False(t, table.IsValid(1_003))
	assert.False(t, table.IsValid(-5))
}

func TestSlippage(t *testing.T) {
	table := KRX()

	t.Run("buy rounds up", func(t *testing.T) {
		// 70_000 * 1.01 = 70_700, already on the 100-tick grid.
		got, err := table.Slippage(70_000, 0.01, Buy)
		require.NoError(t, err)
		assert.Equal(t, int64(70_700), got)
		assert.True(t, table.IsValid(got))
	})

	t.Run("sell rounds down", func(t *testing.T) {
		// 70_000 * 0.99 = 69_300, on grid.
		got, err := table.Slippage(70_000, 0.01, Sell)
		require.NoError(t, err)
		assert.Equal(t, int64(69_300), got)
	})

	t.Run("off-grid adjustment snaps", func(t *testing.T) {
		got, err := table.Slippage(12_345, 0.005, Buy)
		require.NoError(t, err)
		assert.True(t, table.IsValid(got))
		assert.GreaterOrEqual(t, got, int64(12_345))
	})

	t.Run("monotone in pct", func(t *testing.T) {
		prev := int64(0)
		for _, pct := range []float64{0, 0.001, 0.005, 0.01, 0.02, 0.05} {
			got, err := table.Slippage(55_000, pct, Buy)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, prev)
			prev = got
		}
	})
}

func TestSteps(t *testing.T) {
	table := KRX()

	t.Run("walks band boundary upward", func(t *testing.T) {
		// 995 -> 996 ... -> 1000 -> 1005 (tick switches from 1 to 5).
		got, err := table.Steps(995, 6)
		require.NoError(t, err)
		assert.Equal(t, int64(1_005), got)
	})

	t.Run("walks band boundary downward", func(t *testing.T) {
		got, err := table.Steps(1_005, -6)
		require.NoError(t, err)
		assert.Equal(t, int64(995), got)
	})

	t.Run("rejects off-grid start", func(t *testing.T) {
		_, err := table.Steps(1_003, 1)
		assert.Error(t, err)
	})
}

func TestUSCents(t *testing.T) {
	table := USCents()
	tick, err := table.TickOf(123_456)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick)
	assert.True(t, table.IsValid(1))
}

func TestForMarket(t *testing.T) {
	assert.Equal(t, "krx", ForMarket("kr").Name())
	assert.Equal(t, "krx", ForMarket("crypto").Name())
	assert.Equal(t, "us_cents", ForMarket("us").Name())
}
